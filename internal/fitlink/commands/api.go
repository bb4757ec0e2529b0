package commands

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/aussiebroadwan/fitlink/pkg/connect"
)

type requestFlags struct {
	include bool
	raw     bool
}

func (f *requestFlags) register(cmd *cobra.Command) {
	cmd.Flags().BoolVarP(&f.include, "include", "i", false, "Print the response status line")
	cmd.Flags().BoolVar(&f.raw, "raw", false, "Print the body as received, without JSON indentation")
}

func newGetCmd() *cobra.Command {
	var flags requestFlags

	cmd := &cobra.Command{
		Use:   "get <path>",
		Short: "Make an authenticated GET request",
		Example: "  fitlink get /userprofile-service/socialProfile\n" +
			"  fitlink get '/activitylist-service/activities/search/activities?limit=5'",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return doRequest(cmd, flags, http.MethodGet, args[0], nil)
		},
	}
	flags.register(cmd)

	return cmd
}

func newPostCmd() *cobra.Command {
	var flags requestFlags
	var data string
	var form []string

	cmd := &cobra.Command{
		Use:   "post <path>",
		Short: "Make an authenticated POST request",
		Long: "Make an authenticated POST request. --data sends a JSON body, given inline, " +
			"as @file or as - for stdin. --form sends key=value pairs form-encoded.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if data != "" && len(form) > 0 {
				return errors.New("--data and --form are mutually exclusive")
			}

			var body any
			switch {
			case len(form) > 0:
				values, err := parseForm(form)
				if err != nil {
					return err
				}
				body = values
			case data != "":
				payload, err := readData(cmd, data)
				if err != nil {
					return err
				}
				body = payload
			}

			return doRequest(cmd, flags, http.MethodPost, args[0], body)
		},
	}
	flags.register(cmd)
	cmd.Flags().StringVarP(&data, "data", "d", "", "JSON body, @file or - for stdin")
	cmd.Flags().StringArrayVarP(&form, "form", "F", nil, "Form field as key=value (repeatable)")

	return cmd
}

func newDeleteCmd() *cobra.Command {
	var flags requestFlags

	cmd := &cobra.Command{
		Use:   "delete <path>",
		Short: "Make an authenticated DELETE request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return doRequest(cmd, flags, http.MethodDelete, args[0], nil)
		},
	}
	flags.register(cmd)

	return cmd
}

func doRequest(cmd *cobra.Command, flags requestFlags, method, path string, body any) error {
	a, err := mustApp(cmd)
	if err != nil {
		return err
	}

	resp, err := a.Client().Do(cmd.Context(), method, path, body)
	if err != nil {
		return err
	}
	return printResponse(cmd.OutOrStdout(), resp, flags)
}

func printResponse(w io.Writer, resp *connect.Response, flags requestFlags) error {
	if flags.include {
		fmt.Fprintf(w, "%d %s\n", resp.StatusCode, http.StatusText(resp.StatusCode))
	}
	if len(resp.Body) == 0 {
		return nil
	}

	body := resp.Body
	if !flags.raw && json.Valid(body) {
		var buf bytes.Buffer
		if err := json.Indent(&buf, body, "", "  "); err == nil {
			body = buf.Bytes()
		}
	}
	if _, err := w.Write(body); err != nil {
		return err
	}
	if !bytes.HasSuffix(body, []byte("\n")) {
		_, err := io.WriteString(w, "\n")
		return err
	}
	return nil
}

func readData(cmd *cobra.Command, data string) ([]byte, error) {
	var (
		payload []byte
		err     error
	)
	switch {
	case data == "-":
		payload, err = io.ReadAll(cmd.InOrStdin())
	case strings.HasPrefix(data, "@"):
		payload, err = os.ReadFile(strings.TrimPrefix(data, "@"))
	default:
		payload = []byte(data)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read request body: %w", err)
	}
	if !json.Valid(payload) {
		return nil, errors.New("request body is not valid JSON")
	}
	return payload, nil
}

func parseForm(fields []string) (url.Values, error) {
	values := url.Values{}
	for _, f := range fields {
		k, v, ok := strings.Cut(f, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid form field %q, want key=value", f)
		}
		values.Add(k, v)
	}
	return values, nil
}
