package cli

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/yllada/vpn-orchestrator/common"
	"github.com/yllada/vpn-orchestrator/keyring"
)

// prompter reads answers from the terminal; tests replace it.
type prompter struct {
	in       *bufio.Reader
	out      io.Writer
	readPass func() ([]byte, error)
}

func newPrompter(out io.Writer) *prompter {
	fd := int(os.Stdin.Fd())
	p := &prompter{in: bufio.NewReader(os.Stdin), out: out}
	if term.IsTerminal(fd) {
		p.readPass = func() ([]byte, error) { return term.ReadPassword(fd) }
	}
	return p
}

func (p *prompter) line(prompt string) (string, error) {
	fmt.Fprint(p.out, prompt)
	s, err := p.in.ReadString('\n')
	if err != nil && (err != io.EOF || s == "") {
		return "", err
	}
	return strings.TrimSpace(s), nil
}

func (p *prompter) secret(prompt string) (string, error) {
	if p.readPass == nil {
		return p.line(prompt)
	}
	fmt.Fprint(p.out, prompt)
	b, err := p.readPass()
	fmt.Fprintln(p.out)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(b)), nil
}

func loginCmd(o *options) *cobra.Command {
	var (
		username  string
		withToken bool
		logout    bool
	)
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Store VPN credentials in the system keyring",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := keyring.New()
			if err != nil {
				return err
			}
			return runLogin(store, newPrompter(cmd.OutOrStdout()), o, username, withToken, logout)
		},
	}
	cmd.Flags().StringVarP(&username, "username", "u", "", "VPN username (prompted when empty).")
	cmd.Flags().BoolVar(&withToken, "token", false, "Also store a port forwarding API token.")
	cmd.Flags().BoolVar(&logout, "logout", false, "Remove stored credentials.")
	return cmd
}

func runLogin(store *keyring.Store, p *prompter, o *options, username string, withToken, logout bool) error {
	if logout {
		if err := store.Delete(common.Account); err != nil {
			return err
		}
		if err := store.Delete(common.TokenAccount); err != nil {
			return err
		}
		fmt.Fprintln(o.out, "✓ Credentials removed")
		return nil
	}

	var err error
	if username == "" {
		if username, err = p.line("Username: "); err != nil {
			return err
		}
	}
	password, err := p.secret("Password: ")
	if err != nil {
		return err
	}
	if username == "" || password == "" {
		return fmt.Errorf("username and password are required")
	}
	if err := store.SaveCredentials(common.Account, keyring.Credentials{Username: username, Password: password}); err != nil {
		return err
	}

	if withToken {
		token, err := p.secret("Token: ")
		if err != nil {
			return err
		}
		if err := store.Store(common.TokenAccount, token); err != nil {
			return err
		}
	}

	where := "system keyring"
	if store.Local() {
		where = "encrypted file"
	}
	fmt.Fprintf(o.out, "✓ Credentials saved to %s\n", where)
	return nil
}
