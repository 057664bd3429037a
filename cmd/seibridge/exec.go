package main

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/entrhq/seibridge/pkg/execution"
	"github.com/entrhq/seibridge/pkg/transport"
	"github.com/spf13/cobra"
)

func newExecCmd(opts *rootOptions) *cobra.Command {
	var (
		params    string
		sessionID string
		backend   string
	)
	cmd := &cobra.Command{
		Use:   "exec <action>",
		Short: "Run one portal action through a running server",
		Example: `  seibridge exec sei_search_process --params '{"query":"0001234-56.2026"}'
  seibridge exec navigate --backend driver --params '{"url":"https://sei.example.gov.br/sei/"}'`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := execution.ParseBackend(backend); err != nil {
				return err
			}
			req := transport.ExecuteRequest{
				Action:    args[0],
				SessionID: sessionID,
				Backend:   backend,
			}
			if params != "" {
				if err := json.Unmarshal([]byte(params), &req.Params); err != nil {
					return fmt.Errorf("--params must be a JSON object: %w", err)
				}
			}

			var result execution.Result
			if err := newAPIClient(opts.serverURL).do(cmd.Context(), http.MethodPost, "/execute", req, &result); err != nil {
				return err
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if err := enc.Encode(result); err != nil {
				return err
			}
			if !result.Succeeded {
				return fmt.Errorf("%s failed: %s", req.Action, result.ErrorMessage)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&params, "params", "p", "", "action parameters as a JSON object")
	cmd.Flags().StringVarP(&sessionID, "session", "s", "", "target session id (default: most recently active)")
	cmd.Flags().StringVarP(&backend, "backend", "b", "", "force a backend: extension, driver or rest")
	return cmd
}
