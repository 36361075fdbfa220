package region

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"gopkg.in/yaml.v3"

	"github.com/yllada/vpn-orchestrator/common"
)

// Source loads the region server list.
type Source interface {
	Load(ctx context.Context) ([]Region, error)
}

// NewSource picks an HTTP source for URLs and a file source otherwise.
func NewSource(location string) Source {
	if strings.HasPrefix(location, "http://") || strings.HasPrefix(location, "https://") {
		return &HTTPSource{URL: location}
	}
	return &FileSource{Path: location}
}

type regionList struct {
	Regions []Region `yaml:"regions" json:"regions"`
}

// FileSource reads a YAML region list.
type FileSource struct {
	Path string
}

// Load reads and validates the file.
func (s *FileSource) Load(_ context.Context) ([]Region, error) {
	f, err := os.Open(s.Path)
	if err != nil {
		return nil, fmt.Errorf("error opening region list: %w", err)
	}
	defer f.Close()

	decoder := yaml.NewDecoder(f)
	decoder.KnownFields(true)

	var list regionList
	if err := decoder.Decode(&list); err != nil && err != io.EOF {
		return nil, fmt.Errorf("%w: error parsing region list: %w", common.ErrMisconfigured, err)
	}
	return list.Regions, nil
}

// HTTPSource fetches a JSON region list.
type HTTPSource struct {
	URL    string
	Client *http.Client
}

// Load fetches and decodes the list.
func (s *HTTPSource) Load(ctx context.Context) ([]Region, error) {
	client := s.Client
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.URL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: fetching region list: %w", common.ErrConnectivity, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: region list returned %s", common.ErrConnectivity, resp.Status)
	}

	var list regionList
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		return nil, fmt.Errorf("error decoding region list: %w", err)
	}
	return list.Regions, nil
}
