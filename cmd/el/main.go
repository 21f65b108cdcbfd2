package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"envline/internal/app"
	"envline/internal/config"
	"envline/internal/db"
	"envline/internal/domain"
	"envline/internal/engine"
	"envline/internal/repo"
	"envline/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "el",
	Short: "Envline CLI",
	Long: `Envline runs settlement envelopes: document collection plus gated approval.
Core concepts:
- Workspace: the .envline directory holding the database, published drivers, and uploaded files.
- Driver: a versioned workflow template declaring documents, checklist items, signals, and gate rules.
- Envelope: one settlement case bound to a host reference; it moves draft -> in_progress -> ready_for_review -> ready_to_settle -> locked -> settled.
- Checklist: derived per item from uploads, payload fields, signals, and attestations.
- Gates: boolean rules over facts (payload, checklist, signals, context); the settleable gate guards locking.
- Contribution tokens: scoped credentials that let an external party upload documents and fill payload fields, nothing more.
- Audit: every mutation writes one audit row; view with 'el audit list'.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("ENVLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	rootCmd.PersistentFlags().String("actor-role", "", "actor role recorded in audit rows")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("actor-role", rootCmd.PersistentFlags().Lookup("actor-role"))
}

func registerCommands() {
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(envelopeCmd())
	rootCmd.AddCommand(attachCmd())
	rootCmd.AddCommand(signalCmd())
	rootCmd.AddCommand(tokenCmd())
	rootCmd.AddCommand(apikeyCmd())
	rootCmd.AddCommand(driverCmd())
	rootCmd.AddCommand(auditCmd())
	rootCmd.AddCommand(serveCmd())
}

func cliActor() domain.Actor {
	a := domain.User(viper.GetString("actor-id"))
	if role := viper.GetString("actor-role"); role != "" {
		a.Role = role
	}
	return a
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Manage workspace config",
		Long:  "Config is envline.yml in the workspace: driver and storage directories, token TTLs, server secrets, and webhook targets.",
	}
	cfg.AddCommand(configInitCmd())
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configValidateCmd())
	return cfg
}

func configInitCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default envline.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			path := config.Path(workspace)
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists; use --force to overwrite", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Printf("Wrote %s\n", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite existing config")
	return cmd
}

func configShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show loaded config",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				return printJSONOrTable(a.Config)
			})
		},
	}
	return cmd
}

func configValidateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate envline.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := config.Load(viper.GetString("workspace"))
			if viper.GetBool("json") {
				return printJSON(map[string]any{"ok": err == nil, "error": fmt.Sprint(err)})
			}
			if err != nil {
				return err
			}
			fmt.Println("config OK")
			return nil
		},
	}
	return cmd
}

func envelopeCmd() *cobra.Command {
	env := &cobra.Command{
		Use:   "envelope",
		Short: "Manage envelopes",
		Long:  "Envelopes are settlement cases. Create one against a driver, feed it documents and signals, then lock and settle when the gate opens.",
	}
	env.AddCommand(envelopeCreateCmd())
	env.AddCommand(envelopeListCmd())
	env.AddCommand(envelopeShowCmd())
	env.AddCommand(envelopePatchCmd())
	env.AddCommand(envelopeContextCmd())
	env.AddCommand(envelopeAttestCmd())
	env.AddCommand(envelopeGatesCmd())
	env.AddCommand(envelopeLifecycleCmd("lock", "Lock a ready envelope", func(ctx context.Context, e *engine.Engine, id string) (domain.Envelope, error) {
		return e.Lock(ctx, id, cliActor())
	}))
	env.AddCommand(envelopeLifecycleCmd("settle", "Settle a locked envelope", func(ctx context.Context, e *engine.Engine, id string) (domain.Envelope, error) {
		return e.Settle(ctx, id, cliActor())
	}))
	env.AddCommand(envelopeReasonCmd("reopen", "Reopen a locked envelope", func(ctx context.Context, e *engine.Engine, id, reason string) (domain.Envelope, error) {
		return e.Reopen(ctx, id, reason, cliActor())
	}))
	env.AddCommand(envelopeReasonCmd("cancel", "Cancel an envelope", func(ctx context.Context, e *engine.Engine, id, reason string) (domain.Envelope, error) {
		return e.Cancel(ctx, id, reason, cliActor())
	}))
	env.AddCommand(envelopeReasonCmd("reject", "Reject an envelope", func(ctx context.Context, e *engine.Engine, id, reason string) (domain.Envelope, error) {
		return e.Reject(ctx, id, reason, cliActor())
	}))
	return env
}

func envelopeCreateCmd() *cobra.Command {
	var refCode, refType, refID, driverRef, payloadJSON, contextJSON string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an envelope",
		RunE: func(cmd *cobra.Command, args []string) error {
			payload, err := parseJSONObject(payloadJSON)
			if err != nil {
				return fmt.Errorf("--payload-json: %w", err)
			}
			contextMap, err := parseJSONObject(contextJSON)
			if err != nil {
				return fmt.Errorf("--context-json: %w", err)
			}
			driverID, driverVersion := splitDriverRef(driverRef)
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				env, err := a.Engine.Create(ctx, engine.CreateOptions{
					ReferenceCode: refCode,
					ReferenceType: refType,
					ReferenceID:   refID,
					DriverID:      driverID,
					DriverVersion: driverVersion,
					Payload:       payload,
					Context:       contextMap,
					Actor:         cliActor(),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(env)
			})
		},
	}
	cmd.Flags().StringVar(&refCode, "reference", "", "host reference code")
	cmd.Flags().StringVar(&refType, "reference-type", "", "host reference type")
	cmd.Flags().StringVar(&refID, "reference-id", "", "host reference id")
	cmd.Flags().StringVar(&driverRef, "driver", "", "driver id or id@version")
	cmd.Flags().StringVar(&payloadJSON, "payload-json", "", "initial payload JSON object")
	cmd.Flags().StringVar(&contextJSON, "context-json", "", "host context JSON object")
	_ = cmd.MarkFlagRequired("reference")
	_ = cmd.MarkFlagRequired("driver")
	return cmd
}

func envelopeListCmd() *cobra.Command {
	var status, driverRef string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List envelopes",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				driverID, _ := splitDriverRef(driverRef)
				items, err := a.Engine.Repo.ListEnvelopes(ctx, repo.EnvelopeFilters{
					Status:   status,
					DriverID: driverID,
					Limit:    limit,
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Reference", "Driver", "Status", "Payload v", "Created"})
				for _, env := range items {
					tw.AppendRow(table.Row{env.ID, env.ReferenceCode, env.DriverID + "@" + env.DriverVersion, env.Status, env.PayloadVersion, env.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "status filter")
	cmd.Flags().StringVar(&driverRef, "driver", "", "driver filter")
	cmd.Flags().IntVar(&limit, "limit", 50, "max rows")
	return cmd
}

func envelopeShowCmd() *cobra.Command {
	var byReference bool
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show an envelope with checklist, signals and gates",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				var (
					detail engine.Detail
					err    error
				)
				if byReference {
					detail, err = a.Engine.GetByReference(ctx, args[0])
				} else {
					detail, err = a.Engine.Get(ctx, args[0])
				}
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(detail)
				}
				env := detail.Envelope
				fmt.Printf("Envelope: %s (%s)\n", env.ID, env.Status)
				fmt.Printf("Reference: %s  Driver: %s@%s  Payload v%d\n", env.ReferenceCode, env.DriverID, env.DriverVersion, env.PayloadVersion)
				fmt.Println("Gates:")
				for key, open := range detail.Gates {
					fmt.Printf("  %s: %t\n", key, open)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Item", "Kind", "Required", "Status"})
				for _, item := range detail.Checklist {
					tw.AppendRow(table.Row{item.Key, item.Kind, item.Required, item.Status})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&byReference, "by-reference", false, "look up by reference code instead of id")
	return cmd
}

func envelopePatchCmd() *cobra.Command {
	var patchJSON string
	cmd := &cobra.Command{
		Use:   "patch <id>",
		Short: "Merge a payload patch",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			patch, err := parseJSONObject(patchJSON)
			if err != nil {
				return fmt.Errorf("--patch-json: %w", err)
			}
			if patch == nil {
				return fmt.Errorf("--patch-json required")
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				env, err := a.Engine.UpdatePayload(ctx, args[0], patch, cliActor())
				if err != nil {
					return err
				}
				return printJSONOrTable(env)
			})
		},
	}
	cmd.Flags().StringVar(&patchJSON, "patch-json", "", "merge patch JSON object")
	return cmd
}

func envelopeContextCmd() *cobra.Command {
	var patchJSON string
	cmd := &cobra.Command{
		Use:   "context <id>",
		Short: "Merge a host context patch",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			patch, err := parseJSONObject(patchJSON)
			if err != nil {
				return fmt.Errorf("--patch-json: %w", err)
			}
			if patch == nil {
				return fmt.Errorf("--patch-json required")
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				env, err := a.Engine.UpdateContext(ctx, args[0], patch, cliActor())
				if err != nil {
					return err
				}
				return printJSONOrTable(env)
			})
		},
	}
	cmd.Flags().StringVar(&patchJSON, "patch-json", "", "merge patch JSON object")
	return cmd
}

func envelopeAttestCmd() *cobra.Command {
	var key string
	var revoke bool
	cmd := &cobra.Command{
		Use:   "attest <id>",
		Short: "Record an attestation on a checklist item",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if key == "" {
				return fmt.Errorf("--key required")
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				env, err := a.Engine.Attest(ctx, args[0], key, !revoke, cliActor())
				if err != nil {
					return err
				}
				return printJSONOrTable(env)
			})
		},
	}
	cmd.Flags().StringVar(&key, "key", "", "checklist item key")
	cmd.Flags().BoolVar(&revoke, "revoke", false, "withdraw the attestation")
	return cmd
}

func envelopeGatesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "gates <id>",
		Short: "Recompute gates from current state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				gates, err := a.Engine.ComputeGates(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(gates)
			})
		},
	}
	return cmd
}

func envelopeLifecycleCmd(use, short string, fn func(context.Context, *engine.Engine, string) (domain.Envelope, error)) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				env, err := fn(ctx, a.Engine, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(env)
			})
		},
	}
}

func envelopeReasonCmd(use, short string, fn func(context.Context, *engine.Engine, string, string) (domain.Envelope, error)) *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   use + " <id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				env, err := fn(ctx, a.Engine, args[0], reason)
				if err != nil {
					return err
				}
				return printJSONOrTable(env)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "reason recorded in audit")
	return cmd
}

func attachCmd() *cobra.Command {
	att := &cobra.Command{
		Use:   "attach",
		Short: "Manage attachments",
		Long:  "Attachments are uploaded documents. Each links to the checklist item declaring its document type and may need review before it counts.",
	}
	att.AddCommand(attachUploadCmd())
	att.AddCommand(attachReviewCmd())
	att.AddCommand(attachURLCmd())
	return att
}

func attachUploadCmd() *cobra.Command {
	var docType, mimeType, metadataJSON string
	cmd := &cobra.Command{
		Use:   "upload <envelope-id> <file>",
		Short: "Upload a document",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if docType == "" {
				return fmt.Errorf("--doc-type required")
			}
			content, err := os.ReadFile(args[1])
			if err != nil {
				return err
			}
			metadata, err := parseJSONObject(metadataJSON)
			if err != nil {
				return fmt.Errorf("--metadata-json: %w", err)
			}
			mime := mimeType
			if mime == "" {
				mime = http.DetectContentType(content)
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				attachment, err := a.Engine.UploadAttachment(ctx, engine.UploadOptions{
					EnvelopeID: args[0],
					DocType:    docType,
					Filename:   filepath.Base(args[1]),
					MimeType:   mime,
					Content:    content,
					Metadata:   metadata,
					Actor:      cliActor(),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(attachment)
			})
		},
	}
	cmd.Flags().StringVar(&docType, "doc-type", "", "declared document type")
	cmd.Flags().StringVar(&mimeType, "mime-type", "", "MIME type (sniffed when empty)")
	cmd.Flags().StringVar(&metadataJSON, "metadata-json", "", "metadata JSON object")
	return cmd
}

func attachReviewCmd() *cobra.Command {
	var decision, reason string
	cmd := &cobra.Command{
		Use:   "review <attachment-id>",
		Short: "Accept or reject an attachment",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				attachment, err := a.Engine.ReviewAttachment(ctx, args[0], decision, reason, cliActor())
				if err != nil {
					return err
				}
				return printJSONOrTable(attachment)
			})
		},
	}
	cmd.Flags().StringVar(&decision, "decision", "", "accepted or rejected")
	cmd.Flags().StringVar(&reason, "reason", "", "rejection reason")
	_ = cmd.MarkFlagRequired("decision")
	return cmd
}

func attachURLCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "url <attachment-id>",
		Short: "Resolve the stored file location",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				attachment, err := a.Engine.Repo.GetAttachment(ctx, args[0])
				if err != nil {
					return err
				}
				url, err := a.Engine.Files.URL(attachment.FilePath)
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]string{"url": url, "filename": attachment.OriginalFilename, "hash": attachment.Hash})
			})
		},
	}
	return cmd
}

func signalCmd() *cobra.Command {
	sig := &cobra.Command{
		Use:   "signal",
		Short: "Manage signals",
		Long:  "Signals are host- or integration-sourced facts (kyc.approved, funds.received) that checklist items and gate rules read.",
	}
	sig.AddCommand(signalSetCmd())
	return sig
}

func signalSetCmd() *cobra.Command {
	var valueJSON string
	cmd := &cobra.Command{
		Use:   "set <envelope-id> <key>",
		Short: "Set a signal value",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var value any
			if err := json.Unmarshal([]byte(valueJSON), &value); err != nil {
				return fmt.Errorf("--value: %w", err)
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				env, err := a.Engine.SetSignal(ctx, args[0], args[1], value, cliActor())
				if err != nil {
					return err
				}
				return printJSONOrTable(env)
			})
		},
	}
	cmd.Flags().StringVar(&valueJSON, "value", "", "signal value as JSON (true, false, or a string)")
	_ = cmd.MarkFlagRequired("value")
	return cmd
}

func tokenCmd() *cobra.Command {
	tok := &cobra.Command{
		Use:   "token",
		Short: "Manage contribution tokens",
		Long:  "Contribution tokens let an external party fill in one envelope without a staff account. The opaque value is printed once at creation.",
	}
	tok.AddCommand(tokenCreateCmd())
	tok.AddCommand(tokenListCmd())
	tok.AddCommand(tokenRevokeCmd())
	return tok
}

func tokenCreateCmd() *cobra.Command {
	var label, recipientName, recipientEmail, password, expiresAt string
	var ttlHours int
	cmd := &cobra.Command{
		Use:   "create <envelope-id>",
		Short: "Issue a contribution token",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				t, err := a.Engine.CreateContributionToken(ctx, engine.TokenOptions{
					EnvelopeID:     args[0],
					Label:          label,
					RecipientName:  recipientName,
					RecipientEmail: recipientEmail,
					Password:       password,
					TTLHours:       ttlHours,
					ExpiresAt:      expiresAt,
					Actor:          cliActor(),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVar(&label, "label", "", "label shown to the contributor")
	cmd.Flags().StringVar(&recipientName, "recipient-name", "", "recipient name")
	cmd.Flags().StringVar(&recipientEmail, "recipient-email", "", "recipient email")
	cmd.Flags().StringVar(&password, "password", "", "optional password the contributor must present")
	cmd.Flags().IntVar(&ttlHours, "ttl-hours", 0, "expiry in hours (0 uses config default)")
	cmd.Flags().StringVar(&expiresAt, "expires-at", "", "explicit RFC3339 expiry, overrides --ttl-hours")
	return cmd
}

func tokenListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list <envelope-id>",
		Short: "List contribution tokens",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				tokens, err := a.Engine.ListContributionTokens(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(tokens)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Label", "Uses", "Expires", "Revoked"})
				for _, t := range tokens {
					tw.AppendRow(table.Row{t.ID, t.Label, t.UseCount, deref(t.ExpiresAt), deref(t.RevokedAt)})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func tokenRevokeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "revoke <token-id>",
		Short: "Revoke a contribution token",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if err := a.Engine.RevokeContributionToken(ctx, args[0], cliActor()); err != nil {
					return err
				}
				fmt.Println("revoked")
				return nil
			})
		},
	}
	return cmd
}

func apikeyCmd() *cobra.Command {
	key := &cobra.Command{
		Use:   "apikey",
		Short: "Manage staff API keys",
		Long:  "API keys authenticate staff callers against the HTTP API via the X-Api-Key header. Only the SHA-256 hash is stored.",
	}
	key.AddCommand(apikeyCreateCmd())
	key.AddCommand(apikeyListCmd())
	key.AddCommand(apikeyRevokeCmd())
	return key
}

func apikeyCreateCmd() *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "create <actor-id>",
		Short: "Issue an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				secret := uuid.New().String()
				rec := domain.APIKey{
					ID:      uuid.New().String(),
					ActorID: args[0],
					Name:    name,
					KeyHash: repo.HashAPIKey(secret),
				}
				if err := a.Engine.Repo.InsertAPIKey(ctx, nil, rec); err != nil {
					return err
				}
				// The plain key is shown once, at creation.
				return printJSON(map[string]string{
					"id":       rec.ID,
					"actor_id": rec.ActorID,
					"name":     rec.Name,
					"key":      secret,
				})
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "label for the key")
	return cmd
}

func apikeyListCmd() *cobra.Command {
	var actorID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				keys, err := a.Engine.Repo.ListAPIKeys(ctx, actorID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(keys)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Actor", "Name", "Created"})
				for _, k := range keys {
					tw.AppendRow(table.Row{k.ID, k.ActorID, k.Name, k.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&actorID, "actor", "", "only keys for this actor")
	return cmd
}

func apikeyRevokeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "revoke <key-id>",
		Short: "Delete an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if err := a.Engine.Repo.DeleteAPIKey(ctx, args[0]); err != nil {
					return err
				}
				fmt.Println("deleted")
				return nil
			})
		},
	}
	return cmd
}

func driverCmd() *cobra.Command {
	drv := &cobra.Command{
		Use:   "driver",
		Short: "Manage drivers",
		Long:  "Drivers are YAML files in the drivers directory. Envelopes pin the driver version they were created with.",
	}
	drv.AddCommand(driverListCmd())
	drv.AddCommand(driverShowCmd())
	drv.AddCommand(driverInitCmd())
	drv.AddCommand(driverPublishCmd())
	drv.AddCommand(driverDeleteCmd())
	return drv
}

func driverPublishCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "publish <file>",
		Short: "Validate and publish a driver YAML",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				data, err := os.ReadFile(args[0])
				if err != nil {
					return err
				}
				ref, err := a.Engine.Drivers.Write(data)
				if err != nil {
					return err
				}
				fmt.Printf("Published %s@%s\n", ref.ID, ref.Version)
				return nil
			})
		},
	}
	return cmd
}

func driverDeleteCmd() *cobra.Command {
	var version string
	cmd := &cobra.Command{
		Use:   "delete <id>",
		Short: "Remove a published driver version",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if version == "" {
				return fmt.Errorf("--version required")
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if err := a.Engine.Drivers.Delete(args[0], version); err != nil {
					return err
				}
				fmt.Println("deleted")
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&version, "version", "", "exact version to delete")
	return cmd
}

func driverListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List published drivers",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				refs, err := a.Engine.Drivers.List()
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(refs)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Version"})
				for _, ref := range refs {
					tw.AppendRow(table.Row{ref.ID, ref.Version})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func driverShowCmd() *cobra.Command {
	var version string
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show a composed driver",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				d, err := a.Engine.Drivers.Load(args[0], version)
				if err != nil {
					return err
				}
				return printJSONOrTable(d)
			})
		},
	}
	cmd.Flags().StringVar(&version, "version", "", "driver version (latest when empty)")
	return cmd
}

func driverInitCmd() *cobra.Command {
	var id string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a starter driver YAML",
		RunE: func(cmd *cobra.Command, args []string) error {
			if id == "" {
				return fmt.Errorf("--id required")
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				dir := a.Config.Drivers.Dir
				if !filepath.IsAbs(dir) {
					dir = filepath.Join(a.Workspace, dir)
				}
				if err := os.MkdirAll(dir, 0o755); err != nil {
					return err
				}
				path := filepath.Join(dir, id+".yaml")
				if _, err := os.Stat(path); err == nil {
					return fmt.Errorf("%s already exists", path)
				}
				if err := os.WriteFile(path, []byte(starterDriver(id)), 0o644); err != nil {
					return err
				}
				fmt.Printf("Wrote %s\n", path)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "driver id, e.g. acme.invoice")
	return cmd
}

func auditCmd() *cobra.Command {
	aud := &cobra.Command{
		Use:   "audit",
		Short: "Inspect the audit trail",
	}
	aud.AddCommand(auditListCmd())
	return aud
}

func auditListCmd() *cobra.Command {
	var action string
	var limit int
	cmd := &cobra.Command{
		Use:   "list <envelope-id>",
		Short: "List audit rows for an envelope",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				logs, err := a.Engine.Repo.ListAuditLogs(ctx, args[0], repo.AuditFilters{Action: action, Limit: limit})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(logs)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Action", "Actor", "At"})
				for _, entry := range logs {
					actor := entry.ActorType
					if entry.ActorID != nil {
						actor += ":" + *entry.ActorID
					}
					tw.AppendRow(table.Row{entry.ID, entry.Action, actor, entry.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&action, "action", "", "action filter")
	cmd.Flags().IntVar(&limit, "limit", 100, "max rows")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			a, err := app.Open(workspace)
			if err != nil {
				return err
			}
			defer a.Close()
			jwtSecret := os.Getenv("ENVLINE_JWT_SECRET")
			if jwtSecret == "" {
				jwtSecret = a.Config.Server.JWTSecret
			}
			if jwtSecret == "" {
				return fmt.Errorf("set ENVLINE_JWT_SECRET or server.jwt_secret for bearer auth")
			}
			authCfg := server.AuthConfig{
				JWTSecret:     jwtSecret,
				SessionSecret: a.Config.Tokens.SessionSecret,
			}
			handler, err := server.New(server.Config{Engine: a.Engine, BasePath: basePath, Auth: authCfg})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			fmt.Printf("Serving Envline API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v1", "API base path")
	return cmd
}

// --- helpers ---

func withApp(ctx context.Context, fn func(context.Context, *app.App) error) error {
	a, err := app.Open(viper.GetString("workspace"))
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func parseJSONObject(raw string) (map[string]any, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	var out map[string]any
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, err
	}
	return out, nil
}

func splitDriverRef(ref string) (string, string) {
	if i := strings.Index(ref, "@"); i >= 0 {
		return ref[:i], ref[i+1:]
	}
	return ref, ""
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func starterDriver(id string) string {
	return fmt.Sprintf(`driver:
  id: %s
  version: 1.0.0
  title: %s
payload:
  schema:
    format: json-schema
    inline:
      type: object
documents:
  registry:
    - type: INVOICE
      title: Invoice
      allowed_mimes: [application/pdf]
      max_size_mb: 10
checklist:
  template:
    - key: invoice_uploaded
      label: Invoice uploaded
      kind: document
      doc_type: INVOICE
      required: true
      review: required
signals:
  definitions: []
gates:
  definitions:
    - key: settleable
      rule: "checklist.required_accepted"
`, id, id)
}
