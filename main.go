package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/terellcodes/claim-assist/api"
	"github.com/terellcodes/claim-assist/config"
	"github.com/terellcodes/claim-assist/model"
)

var cfgFile string

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "claimassist",
		Short:         "Evaluate insurance claims against uploaded policy documents",
		SilenceErrors: true,
		SilenceUsage:  true,
	}
	root.PersistentFlags().StringVar(&cfgFile, "config", "", "path to a YAML config file")

	root.AddCommand(newServeCmd(), newUploadCmd(), newEvaluateCmd(), newDeleteCmd(), newConfigCmd())
	return root
}

// withApp loads config, builds the logger and components, and runs fn with a
// context cancelled on SIGINT/SIGTERM.
func withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app) error) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg.Log)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, err := buildApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func newServeCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				if addr == "" {
					addr = a.cfg.Server.Addr
				}
				handler := api.New(a.cfg.Server, api.Deps{
					Claims:   a.claims,
					Policies: a.policies,
					Agents:   a.agents,
					Gatherer: a.registry,
					Logger:   a.logger.Named("api"),
				})
				srv := &http.Server{
					Addr:              addr,
					Handler:           handler,
					ReadHeaderTimeout: 10 * time.Second,
				}

				errCh := make(chan error, 1)
				go func() {
					a.logger.Info("http server listening", zap.String("addr", addr))
					errCh <- srv.ListenAndServe()
				}()

				select {
				case err := <-errCh:
					if errors.Is(err, http.ErrServerClosed) {
						return nil
					}
					return err
				case <-ctx.Done():
				}

				a.logger.Info("shutting down http server")
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
				defer cancel()
				return srv.Shutdown(shutdownCtx)
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides server.addr)")
	return cmd
}

func newUploadCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "upload <policy.pdf>",
		Short: "Index a policy PDF and print its metadata",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				meta, err := uploadFile(ctx, a, args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), meta)
			})
		},
	}
}

func uploadFile(ctx context.Context, a *app, path string) (model.PolicyMetadata, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return model.PolicyMetadata{}, fmt.Errorf("read policy file: %w", err)
	}
	return a.policies.Upload(ctx, filepath.Base(path), data)
}

func newEvaluateCmd() *cobra.Command {
	var (
		claimPath string
		pdfPath   string
		policyID  string
		strategy  string
	)
	cmd := &cobra.Command{
		Use:   "evaluate",
		Short: "Evaluate a claim read from a JSON file (or stdin with -)",
		Long: `Evaluate a claim against an indexed policy.

With the in-memory vector backend nothing survives between runs, so pass
--policy to upload the PDF in the same process before evaluating.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			req, err := readClaim(cmd.InOrStdin(), claimPath)
			if err != nil {
				return err
			}
			return withApp(cmd, func(ctx context.Context, a *app) error {
				if pdfPath != "" {
					meta, err := uploadFile(ctx, a, pdfPath)
					if err != nil {
						return err
					}
					req.PolicyID = meta.PolicyID
				}
				if policyID != "" {
					req.PolicyID = policyID
				}
				if strategy != "" {
					req.RetrievalStrategy = strategy
				}
				resp, err := a.claims.Submit(ctx, req)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), resp)
			})
		},
	}
	cmd.Flags().StringVar(&claimPath, "claim", "-", "claim JSON file, - for stdin")
	cmd.Flags().StringVar(&pdfPath, "policy", "", "policy PDF to upload before evaluating")
	cmd.Flags().StringVar(&policyID, "policy-id", "", "existing policy id (overrides the claim file)")
	cmd.Flags().StringVar(&strategy, "strategy", "", "retrieval strategy: basic, advanced_flashrank, advanced_cohere")
	return cmd
}

func readClaim(stdin io.Reader, path string) (model.ClaimRequest, error) {
	var (
		data []byte
		err  error
	)
	if path == "" || path == "-" {
		data, err = io.ReadAll(stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return model.ClaimRequest{}, fmt.Errorf("read claim: %w", err)
	}
	var req model.ClaimRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return model.ClaimRequest{}, fmt.Errorf("decode claim: %w", err)
	}
	return req, nil
}

func newDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <policy-id>",
		Short: "Delete a policy namespace and its metadata",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				if err := a.policies.Delete(ctx, args[0]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", args[0])
				return nil
			})
		},
	}
}

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect configuration",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration with secrets masked",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return err
			}
			enc := yaml.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent(2)
			if err := enc.Encode(cfg.Redacted()); err != nil {
				return fmt.Errorf("encode config: %w", err)
			}
			return enc.Close()
		},
	})
	return cmd
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
