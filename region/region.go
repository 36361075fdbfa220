// Package region holds the catalog of VPN regions and measures their latency.
package region

import (
	"cmp"
	"fmt"
	"net/netip"
	"slices"
	"strings"

	"github.com/alphadose/haxmap"

	"github.com/yllada/vpn-orchestrator/common"
)

// Region is a VPN server location.
type Region struct {
	ID          string `yaml:"id" json:"id"`
	DisplayName string `yaml:"name" json:"name"`
	Country     string `yaml:"country" json:"country"`
	// Host is the server IP address. It must be an address so the kill
	// switch can allow it before the tunnel exists.
	Host string `yaml:"host" json:"host"`
	// ProbePort is the TCP port latency probes connect to.
	ProbePort           uint16 `yaml:"probe_port,omitempty" json:"probe_port,omitempty"`
	SupportsPortForward bool   `yaml:"port_forward" json:"port_forward"`
	Offline             bool   `yaml:"offline" json:"offline"`

	LatencyMs  *int64 `yaml:"-" json:"latency_ms,omitempty"`
	IsFavorite bool   `yaml:"-" json:"is_favorite"`
}

const defaultProbePort = 443

// Addr returns the parsed server address.
func (r Region) Addr() (netip.Addr, error) {
	addr, err := netip.ParseAddr(r.Host)
	if err != nil {
		return netip.Addr{}, fmt.Errorf("%w: region %s host %q is not an IP address", common.ErrMisconfigured, r.ID, r.Host)
	}
	return addr, nil
}

// ProbeAddr returns the address latency probes dial.
func (r Region) ProbeAddr() netip.AddrPort {
	addr, err := r.Addr()
	if err != nil {
		return netip.AddrPort{}
	}
	port := r.ProbePort
	if port == 0 {
		port = defaultProbePort
	}
	return netip.AddrPortFrom(addr, port)
}

// Validate checks the fields a source must provide.
func (r Region) Validate() error {
	if strings.TrimSpace(r.ID) == "" {
		return fmt.Errorf("%w: region without id", common.ErrMisconfigured)
	}
	if r.ID == common.AutoRegion {
		return fmt.Errorf("%w: region id %q is reserved", common.ErrMisconfigured, r.ID)
	}
	_, err := r.Addr()
	return err
}

// IsAuto reports whether id asks for automatic selection.
func IsAuto(id string) bool {
	return id == "" || strings.EqualFold(id, common.AutoRegion)
}

// Catalog is the set of known regions. Safe for concurrent use; the
// connection manager is its only writer.
type Catalog struct {
	regions   *haxmap.Map[string, Region]
	favorites *haxmap.Map[string, bool]
}

// NewCatalog returns an empty catalog.
func NewCatalog() *Catalog {
	return &Catalog{
		regions:   haxmap.New[string, Region](),
		favorites: haxmap.New[string, bool](),
	}
}

// Replace swaps the region list, keeping known latencies.
func (c *Catalog) Replace(regions []Region) error {
	seen := make(map[string]struct{}, len(regions))
	for _, r := range regions {
		if err := r.Validate(); err != nil {
			return err
		}
		if _, dup := seen[r.ID]; dup {
			return fmt.Errorf("%w: duplicate region id %q", common.ErrMisconfigured, r.ID)
		}
		seen[r.ID] = struct{}{}
	}

	var stale []string
	c.regions.ForEach(func(id string, _ Region) bool {
		if _, ok := seen[id]; !ok {
			stale = append(stale, id)
		}
		return true
	})
	if len(stale) > 0 {
		c.regions.Del(stale...)
	}

	for _, r := range regions {
		if old, ok := c.regions.Get(r.ID); ok && r.LatencyMs == nil {
			r.LatencyMs = old.LatencyMs
		}
		c.regions.Set(r.ID, r)
	}
	return nil
}

// Get returns a region by id.
func (c *Catalog) Get(id string) (Region, error) {
	r, ok := c.regions.Get(id)
	if !ok {
		return Region{}, fmt.Errorf("%w: %s", common.ErrRegionNotFound, id)
	}
	r.IsFavorite = c.isFavorite(id)
	return r, nil
}

// Resolve returns the region for id, choosing the best region for "auto".
func (c *Catalog) Resolve(id string) (Region, error) {
	if IsAuto(id) {
		return c.Best()
	}
	return c.Get(id)
}

// List returns all regions ordered by id.
func (c *Catalog) List() []Region {
	out := make([]Region, 0, int(c.regions.Len()))
	c.regions.ForEach(func(id string, r Region) bool {
		r.IsFavorite = c.isFavorite(id)
		out = append(out, r)
		return true
	})
	slices.SortFunc(out, func(a, b Region) int { return cmp.Compare(a.ID, b.ID) })
	return out
}

// Len returns the number of regions.
func (c *Catalog) Len() int {
	return int(c.regions.Len())
}

// UpdateLatency records a measurement. A nil latency marks the region unmeasured.
func (c *Catalog) UpdateLatency(id string, latencyMs *int64) bool {
	r, ok := c.regions.Get(id)
	if !ok {
		return false
	}
	r.LatencyMs = latencyMs
	c.regions.Set(id, r)
	return true
}

// SetFavorite marks or unmarks a region as favorite.
func (c *Catalog) SetFavorite(id string, favorite bool) {
	if favorite {
		c.favorites.Set(id, true)
		return
	}
	c.favorites.Del(id)
}

// Favorites returns the favorite region ids in order.
func (c *Catalog) Favorites() []string {
	var ids []string
	c.favorites.ForEach(func(id string, _ bool) bool {
		ids = append(ids, id)
		return true
	})
	slices.Sort(ids)
	return ids
}

func (c *Catalog) isFavorite(id string) bool {
	_, ok := c.favorites.Get(id)
	return ok
}

// Best returns the online region with the lowest measured latency.
// Unmeasured regions sort after measured ones; ties break on id.
func (c *Catalog) Best() (Region, error) {
	var candidates []Region
	for _, r := range c.List() {
		if !r.Offline {
			candidates = append(candidates, r)
		}
	}
	if len(candidates) == 0 {
		return Region{}, common.ErrNoRegions
	}

	best := slices.MinFunc(candidates, func(a, b Region) int {
		switch {
		case a.LatencyMs != nil && b.LatencyMs != nil:
			if d := cmp.Compare(*a.LatencyMs, *b.LatencyMs); d != 0 {
				return d
			}
		case a.LatencyMs != nil:
			return -1
		case b.LatencyMs != nil:
			return 1
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return best, nil
}
