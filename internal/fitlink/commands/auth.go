package commands

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/aussiebroadwan/fitlink/pkg/connect"
	"github.com/aussiebroadwan/fitlink/pkg/cryptox"
	"github.com/aussiebroadwan/fitlink/pkg/jwtx"
)

func newLoginCmd() *cobra.Command {
	var username string
	var passwordStdin bool

	cmd := &cobra.Command{
		Use:   "login",
		Short: "Sign in with username and password",
		Long:  "Sign in through SSO and store the resulting token bundle for the profile.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := mustApp(cmd)
			if err != nil {
				return err
			}

			in := bufio.NewReader(cmd.InOrStdin())
			if username == "" {
				username = os.Getenv("FITLINK_USERNAME")
			}
			if username == "" {
				if username, err = promptLine(cmd, in, "Username: "); err != nil {
					return err
				}
			}

			password, err := readPassword(cmd, in, passwordStdin)
			if err != nil {
				return err
			}

			if err := a.Client().Login(cmd.Context(), username, password); err != nil {
				return err
			}

			bundle, err := a.Client().Export()
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Logged in (profile %s), token expires %s\n",
				a.Config().Profile, bundle.Bearer.ExpiresAtTime().Local().Format(time.RFC3339))
			return nil
		},
	}

	cmd.Flags().StringVarP(&username, "username", "u", "", "Account email (default $FITLINK_USERNAME)")
	cmd.Flags().BoolVar(&passwordStdin, "password-stdin", false, "Read the password from stdin")

	return cmd
}

func promptLine(cmd *cobra.Command, in *bufio.Reader, prompt string) (string, error) {
	fmt.Fprint(cmd.ErrOrStderr(), prompt)
	line, err := in.ReadString('\n')
	if err != nil && !(errors.Is(err, io.EOF) && line != "") {
		return "", fmt.Errorf("failed to read input: %w", err)
	}
	line = strings.TrimSpace(line)
	if line == "" {
		return "", errors.New("no input given")
	}
	return line, nil
}

// readPassword takes the password from $FITLINK_PASSWORD, stdin when asked
// to, or a hidden terminal prompt.
func readPassword(cmd *cobra.Command, in *bufio.Reader, fromStdin bool) (string, error) {
	if fromStdin {
		line, err := in.ReadString('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return "", fmt.Errorf("failed to read password: %w", err)
		}
		if line = strings.TrimRight(line, "\r\n"); line == "" {
			return "", errors.New("empty password on stdin")
		}
		return line, nil
	}

	if pw := os.Getenv("FITLINK_PASSWORD"); pw != "" {
		return pw, nil
	}

	f, ok := cmd.InOrStdin().(*os.File)
	if !ok || !term.IsTerminal(int(f.Fd())) {
		return "", errors.New("no terminal to prompt for a password; use --password-stdin or $FITLINK_PASSWORD")
	}

	fmt.Fprint(cmd.ErrOrStderr(), "Password: ")
	pw, err := term.ReadPassword(int(f.Fd()))
	fmt.Fprintln(cmd.ErrOrStderr()) // newline after password input
	if err != nil {
		return "", fmt.Errorf("failed to read password: %w", err)
	}
	return string(pw), nil
}

func newLogoutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Remove stored tokens",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := mustApp(cmd)
			if err != nil {
				return err
			}
			if err := a.Client().Logout(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Logged out (profile %s)\n", a.Config().Profile)
			return nil
		},
	}
}

// tokenStatus is what status reports about the stored bundle.
type tokenStatus struct {
	Profile           string     `json:"profile"`
	Authenticated     bool       `json:"authenticated"`
	AccessFingerprint string     `json:"access_fingerprint,omitempty"`
	ExpiresAt         *time.Time `json:"expires_at,omitempty"`
	ExpiresIn         string     `json:"expires_in,omitempty"`
	Expired           bool       `json:"expired"`
	RefreshExpiresAt  *time.Time `json:"refresh_expires_at,omitempty"`
	ClientID          string     `json:"client_id,omitempty"`
	Scope             []string   `json:"scope,omitempty"`
	UserGUID          string     `json:"user_guid,omitempty"`
}

func buildStatus(profile string, bundle *connect.TokenBundle, now time.Time) tokenStatus {
	st := tokenStatus{Profile: profile}
	if bundle == nil {
		return st
	}

	expiresAt := bundle.Bearer.ExpiresAtTime().UTC()
	st.Authenticated = true
	st.AccessFingerprint = cryptox.FingerprintToken(bundle.Bearer.AccessToken)
	st.ExpiresAt = &expiresAt
	st.ExpiresIn = expiresAt.Sub(now).Round(time.Second).String()
	st.Expired = bundle.Bearer.Expired(now)
	if bundle.Bearer.RefreshTokenExpiresIn > 0 {
		refresh := bundle.Bearer.RefreshExpiresAt().UTC()
		st.RefreshExpiresAt = &refresh
	}

	// Access tokens are usually JWTs; opaque ones simply carry no claims.
	if claims, err := jwtx.Inspect(bundle.Bearer.AccessToken); err == nil {
		st.ClientID = claims.ClientID
		st.Scope = claims.Scope
		st.UserGUID = claims.UserGUID
	}
	return st
}

func newStatusCmd(flags *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show authentication status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := mustApp(cmd)
			if err != nil {
				return err
			}

			st := buildStatus(a.Config().Profile, a.Client().Session().Bundle(), time.Now())
			out := cmd.OutOrStdout()
			if flags.JSON {
				return writeJSON(out, st)
			}

			if !st.Authenticated {
				fmt.Fprintf(out, "Profile %s: not logged in\n", st.Profile)
				return nil
			}
			fmt.Fprintf(out, "Profile %s: logged in\n", st.Profile)
			fmt.Fprintf(out, "  access token  %s\n", st.AccessFingerprint)
			state := "valid for " + st.ExpiresIn
			if st.Expired {
				state = "expired, refreshed on next request"
			}
			fmt.Fprintf(out, "  expires       %s (%s)\n", st.ExpiresAt.Local().Format(time.RFC3339), state)
			if st.RefreshExpiresAt != nil {
				fmt.Fprintf(out, "  refresh until %s\n", st.RefreshExpiresAt.Local().Format(time.RFC3339))
			}
			if st.UserGUID != "" {
				fmt.Fprintf(out, "  account       %s\n", st.UserGUID)
			}
			if len(st.Scope) > 0 {
				fmt.Fprintf(out, "  scope         %s\n", strings.Join(st.Scope, " "))
			}
			return nil
		},
	}
}

func newRefreshCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "refresh",
		Short: "Mint a new bearer token now",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := mustApp(cmd)
			if err != nil {
				return err
			}
			if err := a.Client().EnsureFreshToken(cmd.Context()); err != nil {
				return err
			}
			bundle, err := a.Client().Export()
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Token refreshed, expires %s\n",
				bundle.Bearer.ExpiresAtTime().Local().Format(time.RFC3339))
			return nil
		},
	}
}

func newExportCmd() *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:   "export",
		Short: "Print the token bundle as JSON",
		Long:  "Print the token bundle in its portable JSON form, for import on another machine.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := mustApp(cmd)
			if err != nil {
				return err
			}
			bundle, err := a.Client().Export()
			if err != nil {
				return err
			}
			data, err := connect.MarshalBundle(bundle)
			if err != nil {
				return err
			}
			data = append(data, '\n')

			if output == "" || output == "-" {
				_, err = cmd.OutOrStdout().Write(data)
				return err
			}
			return os.WriteFile(output, data, 0o600)
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "", "Write to file instead of stdout")

	return cmd
}

func newImportCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "import [file]",
		Short: "Load an exported token bundle",
		Long:  "Load a bundle written by export, from a file or stdin, and store it for the profile.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := mustApp(cmd)
			if err != nil {
				return err
			}

			var data []byte
			if len(args) == 0 || args[0] == "-" {
				data, err = io.ReadAll(cmd.InOrStdin())
			} else {
				data, err = os.ReadFile(args[0])
			}
			if err != nil {
				return fmt.Errorf("failed to read bundle: %w", err)
			}

			bundle, err := connect.UnmarshalBundle(data)
			if err != nil {
				return err
			}
			if err := a.Client().Restore(bundle); err != nil {
				return err
			}
			if err := a.Store().Save(cmd.Context(), bundle); err != nil {
				return fmt.Errorf("failed to store bundle: %w", err)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Imported token bundle (profile %s), token expires %s\n",
				a.Config().Profile, bundle.Bearer.ExpiresAtTime().Local().Format(time.RFC3339))
			return nil
		},
	}
}
