package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"claimledger/internal/app"
	"claimledger/internal/audit"
	"claimledger/internal/config"
	"claimledger/internal/crypt"
	"claimledger/internal/db"
	"claimledger/internal/domain"
	"claimledger/internal/engine"
	"claimledger/internal/migrate"
	"claimledger/internal/money"
	"claimledger/internal/rail"
	"claimledger/internal/repo"
	"claimledger/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "claimctl",
	Short: "Claims and payments ledger",
	Long: `claimctl operates a claims and payments ledger.
- Policies are imported from the policy administration system and never edited here.
- Claims snapshot their policy at open; overrides change a field for one claim only.
- Reserves are allocated per line (INDEMNITY, EXPENSE, MEDICAL, SUBROGATION_RECOVERY).
- Payments are created PENDING against a reserve line, settled through a payment rail,
  and may be voided inside the void window. Settled payments are reversed, never deleted.
- Every mutation writes one hash-chained audit entry; 'claimctl audit verify' walks the chain.`,
	SilenceUsage: true,
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
	viper.SetEnvPrefix("CLAIMLEDGER")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().String("config", "", "config file (default <workspace>/claimledger.yml)")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier recorded in the audit ledger")
	rootCmd.PersistentFlags().String("actor-role", "adjuster", "actor role recorded in the audit ledger")
	for _, name := range []string{"workspace", "config", "json", "actor-id", "actor-role"} {
		_ = viper.BindPFlag(name, rootCmd.PersistentFlags().Lookup(name))
	}
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(keygenCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(policyCmd())
	rootCmd.AddCommand(claimCmd())
	rootCmd.AddCommand(reserveCmd())
	rootCmd.AddCommand(paymentCmd())
	rootCmd.AddCommand(settlementCmd())
	rootCmd.AddCommand(auditCmd())
	rootCmd.AddCommand(breakerCmd())
	rootCmd.AddCommand(tokenCmd())
	rootCmd.AddCommand(serveCmd())
}

func initCmd() *cobra.Command {
	var force bool
	return &cobra.Command{
		Use:   "init",
		Short: "Create claimledger.yml and the ledger database",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			path := config.Path(workspace)
			if _, err := os.Stat(path); err == nil && !force {
				fmt.Printf("%s already exists\n", path)
			} else {
				if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
					return err
				}
				fmt.Printf("Wrote %s\n", path)
			}
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			version, err := migrate.MigrateContext(cmd.Context(), conn)
			if err != nil {
				return err
			}
			fmt.Printf("Ledger database %s at schema version %d\n", db.Path(workspace), version)
			return nil
		},
	}
}

func keygenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "keygen",
		Short: "Print a new field encryption key",
		RunE: func(cmd *cobra.Command, args []string) error {
			key := make([]byte, 32)
			if _, err := rand.Read(key); err != nil {
				return err
			}
			fmt.Printf("export CLAIMLEDGER_ENCRYPTION_KEY=%s\n", hex.EncodeToString(key))
			return nil
		},
	}
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{Use: "config", Short: "Inspect configuration"}
	cfg.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := loadConfig()
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(c)
			}
			out, err := yaml.Marshal(c)
			if err != nil {
				return err
			}
			fmt.Print(string(out))
			return nil
		},
	})
	cfg.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Validate claimledger.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := loadConfig(); err != nil {
				return err
			}
			fmt.Println("config ok")
			return nil
		},
	})
	return cfg
}

func loadConfig() (*config.Config, error) {
	if path := viper.GetString("config"); path != "" {
		return config.FromFile(path)
	}
	return config.LoadOptional(viper.GetString("workspace"))
}

// --- policies ---

type policyFile struct {
	Policies []policyRecord `yaml:"policies"`
}

type policyRecord struct {
	Number         string `yaml:"policy_number"`
	Status         string `yaml:"status"`
	ProductLine    string `yaml:"product_line"`
	InsuredName    string `yaml:"insured_name"`
	InsuredTaxID   string `yaml:"insured_tax_id"`
	ContactName    string `yaml:"contact_name"`
	ContactPhone   string `yaml:"contact_phone"`
	ContactEmail   string `yaml:"contact_email"`
	MailingAddress string `yaml:"mailing_address"`
	AgentName      string `yaml:"agent_name"`
	Description    string `yaml:"description"`
	Currency       string `yaml:"currency"`
	CoverageLimit  string `yaml:"coverage_limit"`
	Deductible     string `yaml:"deductible"`
	EffectiveDate  string `yaml:"effective_date"`
	ExpirationDate string `yaml:"expiration_date"`
}

func (r policyRecord) toPolicy(defaultCurrency string) (domain.Policy, error) {
	currency := strings.ToUpper(strings.TrimSpace(r.Currency))
	if currency == "" {
		currency = defaultCurrency
	}
	p := domain.Policy{
		Number:         strings.TrimSpace(r.Number),
		Status:         domain.PolicyStatus(strings.ToUpper(r.Status)),
		ProductLine:    r.ProductLine,
		InsuredName:    r.InsuredName,
		InsuredTaxID:   r.InsuredTaxID,
		ContactName:    r.ContactName,
		ContactPhone:   r.ContactPhone,
		ContactEmail:   r.ContactEmail,
		MailingAddress: r.MailingAddress,
		AgentName:      r.AgentName,
		Description:    r.Description,
		Currency:       currency,
	}
	if p.Number == "" {
		return p, errors.New("policy_number is required")
	}
	var err error
	if p.CoverageLimit, err = parseMoney(r.CoverageLimit, currency); err != nil {
		return p, fmt.Errorf("policy %s coverage_limit: %w", p.Number, err)
	}
	if p.Deductible, err = parseMoney(r.Deductible, currency); err != nil {
		return p, fmt.Errorf("policy %s deductible: %w", p.Number, err)
	}
	if p.EffectiveDate, err = parseDate(r.EffectiveDate); err != nil {
		return p, fmt.Errorf("policy %s effective_date: %w", p.Number, err)
	}
	if p.ExpirationDate, err = parseDate(r.ExpirationDate); err != nil {
		return p, fmt.Errorf("policy %s expiration_date: %w", p.Number, err)
	}
	return p, nil
}

func policyCmd() *cobra.Command {
	pol := &cobra.Command{Use: "policy", Short: "Policy snapshots known to the ledger"}
	pol.AddCommand(policyImportCmd())
	pol.AddCommand(&cobra.Command{
		Use:   "show <policy-number>",
		Short: "Show a policy",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				p, err := rt.Policies.GetPolicy(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(presentPolicy(rt, p))
			})
		},
	})
	pol.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List policies",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				items, err := rt.Policies.ListPolicies(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable("Policy", "Version", "Status", "Currency")
				for _, p := range items {
					tw.AppendRow(table.Row{p.Number, p.Version, p.Status, p.Currency})
				}
				tw.Render()
				return nil
			})
		},
	})
	return pol
}

func presentPolicy(rt *app.Runtime, p domain.Policy) domain.Policy {
	if rt.Engine.Gateway == nil {
		return p
	}
	return crypt.MaskPolicy(rt.Engine.Gateway, p)
}

func policyImportCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "import <file.yml>",
		Short: "Import or refresh policies from a YAML file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			var f policyFile
			if err := yaml.Unmarshal(data, &f); err != nil {
				return fmt.Errorf("invalid policy file: %w", err)
			}
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				for _, rec := range f.Policies {
					p, err := rec.toPolicy(rt.Config.Ledger.Currency)
					if err != nil {
						return err
					}
					saved, err := rt.Policies.UpsertPolicy(ctx, p)
					if err != nil {
						return fmt.Errorf("policy %s: %w", p.Number, err)
					}
					fmt.Printf("%s version %d (%s)\n", saved.Number, saved.Version, saved.Status)
				}
				return nil
			})
		},
	}
}

// --- claims ---

func claimCmd() *cobra.Command {
	c := &cobra.Command{Use: "claim", Short: "Open and manage claims"}
	c.AddCommand(claimOpenCmd())
	c.AddCommand(claimShowCmd())
	c.AddCommand(claimListCmd())
	c.AddCommand(claimViewCmd())
	c.AddCommand(claimOverrideCmd())
	c.AddCommand(claimRevertCmd())
	c.AddCommand(claimStatusCmd())
	c.AddCommand(claimResyncCmd())
	return c
}

func claimOpenCmd() *cobra.Command {
	var lossType, lossDate, description, ceiling string
	var lineCeilings map[string]string
	cmd := &cobra.Command{
		Use:   "open <policy-number>",
		Short: "Open a claim against an active policy",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				opts := engine.OpenClaimOptions{PolicyNumber: args[0], LossType: lossType, Description: description}
				if lossDate != "" {
					d, err := parseDate(lossDate)
					if err != nil {
						return err
					}
					opts.LossDate = d
				}
				if ceiling != "" || len(lineCeilings) > 0 {
					p, err := rt.Policies.GetPolicy(ctx, args[0])
					if err != nil {
						return fmt.Errorf("policy %s: %w", args[0], err)
					}
					if opts.ReserveCeiling, opts.LineCeilings, err = parseCeilings(ceiling, lineCeilings, p.Currency); err != nil {
						return err
					}
				}
				c, err := rt.Engine.OpenClaim(ctx, opts, actor())
				if err != nil {
					return err
				}
				return printJSONOrTable(c)
			})
		},
	}
	cmd.Flags().StringVar(&lossType, "loss-type", "", "loss type from config (default: default)")
	cmd.Flags().StringVar(&lossDate, "loss-date", "", "date of loss (YYYY-MM-DD)")
	cmd.Flags().StringVar(&description, "description", "", "claim description")
	cmd.Flags().StringVar(&ceiling, "ceiling", "", "claim reserve ceiling")
	cmd.Flags().StringToStringVar(&lineCeilings, "line-ceiling", nil, "per-line ceiling, e.g. EXPENSE=25000.00")
	return cmd
}

func claimShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <claim-number>",
		Short: "Show a claim",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				c, err := rt.Engine.GetClaim(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(c)
			})
		},
	}
}

func claimListCmd() *cobra.Command {
	var f repo.ClaimFilters
	var status string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List claims",
		RunE: func(cmd *cobra.Command, args []string) error {
			f.Status = domain.ClaimStatus(strings.ToUpper(status))
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				claims, err := rt.Engine.ListClaims(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(claims)
				}
				tw := newTable("Claim", "Policy", "Loss type", "Status", "Opened")
				for _, c := range claims {
					tw.AppendRow(table.Row{c.Number, c.PolicyNumber, c.LossType, c.Status, c.OpenedAt.Format(time.RFC3339)})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.PolicyNumber, "policy", "", "policy number filter")
	cmd.Flags().StringVar(&status, "status", "", "status filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 50, "maximum claims")
	return cmd
}

func claimViewCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "view <claim-number>",
		Short: "Show the policy as seen through the claim",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				v, err := rt.Engine.EffectivePolicy(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(v)
				}
				tw := newTable("Field", "Value", "Source")
				for _, name := range rt.Config.Overrides.Fields {
					value, _ := v.Policy.Field(name)
					tw.AppendRow(table.Row{name, value, v.Sources[name]})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func claimOverrideCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "override <claim-number> <field> <value>",
		Short: "Override a policy field for one claim",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				v, err := rt.Engine.ApplyOverride(ctx, args[0], args[1], args[2], actor())
				if err != nil {
					return err
				}
				return printJSONOrTable(v)
			})
		},
	}
}

func claimRevertCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "revert <claim-number> <field>",
		Short: "Remove a claim override",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				v, err := rt.Engine.RevertOverride(ctx, args[0], args[1], actor())
				if err != nil {
					return err
				}
				return printJSONOrTable(v)
			})
		},
	}
}

func claimStatusCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "status <claim-number> <OPEN|PAYABLE|CLOSED|DENIED>",
		Short: "Move a claim to another status",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				c, err := rt.Engine.SetClaimStatus(ctx, args[0], domain.ClaimStatus(strings.ToUpper(args[1])), reason, actor())
				if err != nil {
					return err
				}
				return printJSONOrTable(c)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "reason recorded in the audit ledger")
	return cmd
}

func claimResyncCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resync <claim-number>",
		Short: "Refresh the claim's policy snapshot",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				c, err := rt.Engine.ResyncPolicy(ctx, args[0], actor())
				if err != nil {
					return err
				}
				return printJSONOrTable(c)
			})
		},
	}
}

// --- reserves ---

func reserveCmd() *cobra.Command {
	r := &cobra.Command{Use: "reserve", Short: "Reserve lines"}
	r.AddCommand(&cobra.Command{
		Use:   "allocate <claim-number> <line> <amount>",
		Short: "Allocate reserve to a line",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				amount, err := claimAmount(ctx, rt, args[0], args[2])
				if err != nil {
					return err
				}
				l, err := rt.Engine.Allocate(ctx, args[0], domain.LineType(strings.ToUpper(args[1])), amount, actor())
				if err != nil {
					return err
				}
				return printJSONOrTable(l)
			})
		},
	})
	r.AddCommand(&cobra.Command{
		Use:   "move <claim-number> <from-line> <to-line> <amount>",
		Short: "Move reserve between lines of one claim",
		Args:  cobra.ExactArgs(4),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				amount, err := claimAmount(ctx, rt, args[0], args[3])
				if err != nil {
					return err
				}
				res, err := rt.Engine.Reallocate(ctx, args[0], domain.LineType(strings.ToUpper(args[1])), domain.LineType(strings.ToUpper(args[2])), amount, actor())
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	})
	r.AddCommand(&cobra.Command{
		Use:   "list <claim-number>",
		Short: "Show reserve lines",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				lines, err := rt.Engine.ReserveLines(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(lines)
				}
				tw := newTable("Line", "Allocated", "Paid to date", "Updated")
				for _, l := range lines {
					tw.AppendRow(table.Row{l.Type, l.Allocated.Display(), l.PaidToDate.Display(), l.UpdatedAt.Format(time.RFC3339)})
				}
				tw.Render()
				return nil
			})
		},
	})
	r.AddCommand(reserveCeilingCmd())
	return r
}

func reserveCeilingCmd() *cobra.Command {
	var ceiling string
	var lineCeilings map[string]string
	cmd := &cobra.Command{
		Use:   "ceiling <claim-number>",
		Short: "Replace the claim's reserve ceilings",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				c, err := rt.Engine.GetClaim(ctx, args[0])
				if err != nil {
					return err
				}
				total, lines, err := parseCeilings(ceiling, lineCeilings, c.Currency)
				if err != nil {
					return err
				}
				c, err = rt.Engine.SetReserveCeiling(ctx, args[0], total, lines, actor())
				if err != nil {
					return err
				}
				return printJSONOrTable(c)
			})
		},
	}
	cmd.Flags().StringVar(&ceiling, "ceiling", "", "claim reserve ceiling (empty removes it)")
	cmd.Flags().StringToStringVar(&lineCeilings, "line-ceiling", nil, "per-line ceiling, e.g. EXPENSE=25000.00")
	return cmd
}

// --- payments ---

func paymentCmd() *cobra.Command {
	p := &cobra.Command{Use: "payment", Short: "Payment lifecycle"}
	p.AddCommand(paymentCreateCmd())
	p.AddCommand(paymentActionCmd("settle", "Disburse a pending payment through its rail", func(ctx context.Context, e engine.Engine, id, _ string) (domain.Payment, error) {
		return e.Settle(ctx, id, actor())
	}))
	p.AddCommand(paymentActionCmd("void", "Void a payment inside its void window", func(ctx context.Context, e engine.Engine, id, reason string) (domain.Payment, error) {
		return e.Void(ctx, id, reason, actor())
	}))
	p.AddCommand(paymentActionCmd("reverse", "Reverse a settled payment", func(ctx context.Context, e engine.Engine, id, reason string) (domain.Payment, error) {
		return e.Reverse(ctx, id, reason, actor())
	}))
	p.AddCommand(&cobra.Command{
		Use:   "show <payment-id>",
		Short: "Show a payment",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				pay, err := rt.Engine.Payment(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(pay)
			})
		},
	})
	p.AddCommand(&cobra.Command{
		Use:   "list <claim-number>",
		Short: "List payments of a claim",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				items, err := rt.Engine.Payments(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable("ID", "Line", "Amount", "Method", "Status", "Payee", "Void until")
				for _, p := range items {
					tw.AppendRow(table.Row{p.ID, p.Line, p.Amount.Display(), p.Method, paymentStatus(p), p.Payee, p.VoidEligibleTil.Format("2006-01-02")})
				}
				tw.Render()
				return nil
			})
		},
	})
	return p
}

func paymentStatus(p domain.Payment) string {
	if p.Reason != "" {
		return fmt.Sprintf("%s (%s)", p.Status, p.Reason)
	}
	return string(p.Status)
}

func paymentCreateCmd() *cobra.Command {
	var line, method, payee, memo string
	cmd := &cobra.Command{
		Use:   "create <claim-number> <amount>",
		Short: "Create a pending payment against a reserve line",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				amount, err := claimAmount(ctx, rt, args[0], args[1])
				if err != nil {
					return err
				}
				p, err := rt.Engine.CreatePayment(ctx, engine.CreatePaymentOptions{
					ClaimNumber: args[0],
					Line:        domain.LineType(strings.ToUpper(line)),
					Amount:      amount,
					Method:      domain.PaymentMethod(strings.ToUpper(method)),
					Payee:       payee,
					Memo:        memo,
				}, actor())
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	cmd.Flags().StringVar(&line, "line", string(domain.LineIndemnity), "reserve line")
	cmd.Flags().StringVar(&method, "method", string(domain.MethodCheck), "payment method")
	cmd.Flags().StringVar(&payee, "payee", "", "payee name")
	cmd.Flags().StringVar(&memo, "memo", "", "memo")
	_ = cmd.MarkFlagRequired("payee")
	return cmd
}

func paymentActionCmd(use, short string, fn func(ctx context.Context, e engine.Engine, id, reason string) (domain.Payment, error)) *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   use + " <payment-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				p, err := fn(ctx, rt.Engine, args[0], reason)
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	if use != "settle" {
		cmd.Flags().StringVar(&reason, "reason", "", "reason recorded in the audit ledger")
	}
	return cmd
}

// --- settlements ---

func settlementCmd() *cobra.Command {
	s := &cobra.Command{Use: "settlement", Short: "Settlement calculator"}
	s.AddCommand(settlementQuoteCmd())
	s.AddCommand(settlementPayCmd())
	return s
}

type settlementFlags struct {
	percent, rate, asOf string
}

func (f *settlementFlags) bind(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.percent, "percent", "", "share of the indemnity reserve to settle (0-100)")
	cmd.Flags().StringVar(&f.rate, "rate", "0", "annual simple interest rate, e.g. 0.05")
	cmd.Flags().StringVar(&f.asOf, "as-of", "", "settlement date (YYYY-MM-DD, default today)")
	_ = cmd.MarkFlagRequired("percent")
}

func (f *settlementFlags) terms() (engine.SettlementTerms, error) {
	var t engine.SettlementTerms
	var err error
	if t.Percent, err = decimal.NewFromString(f.percent); err != nil {
		return t, fmt.Errorf("invalid percent %q", f.percent)
	}
	if t.Rate, err = decimal.NewFromString(f.rate); err != nil {
		return t, fmt.Errorf("invalid rate %q", f.rate)
	}
	if f.asOf != "" {
		if t.AsOf, err = parseDate(f.asOf); err != nil {
			return t, err
		}
	}
	return t, nil
}

func settlementQuoteCmd() *cobra.Command {
	var f settlementFlags
	cmd := &cobra.Command{
		Use:   "quote <claim-number>",
		Short: "Compute a settlement without recording it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			terms, err := f.terms()
			if err != nil {
				return err
			}
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				res, err := rt.Engine.QuoteSettlement(ctx, args[0], terms)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				tw := newTable("Indemnity reserve", "Percent", "Rate", "Days", "Principal", "Interest", "Total")
				tw.AppendRow(table.Row{res.Base.Display(), res.Percent.String(), res.Rate.String(), res.Days, res.Principal.Display(), res.Interest.Display(), res.Total.Display()})
				tw.Render()
				return nil
			})
		},
	}
	f.bind(cmd)
	return cmd
}

func settlementPayCmd() *cobra.Command {
	var f settlementFlags
	var method, payee string
	cmd := &cobra.Command{
		Use:   "pay <claim-number>",
		Short: "Record a settlement as pending payments against the indemnity-type lines",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			terms, err := f.terms()
			if err != nil {
				return err
			}
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				payments, res, err := rt.Engine.PaySettlement(ctx, args[0], terms, domain.PaymentMethod(strings.ToUpper(method)), payee, actor())
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{"payments": payments, "settlement": res})
			})
		},
	}
	f.bind(cmd)
	cmd.Flags().StringVar(&method, "method", string(domain.MethodCheck), "payment method")
	cmd.Flags().StringVar(&payee, "payee", "", "payee name")
	_ = cmd.MarkFlagRequired("payee")
	return cmd
}

// --- audit ---

func auditCmd() *cobra.Command {
	a := &cobra.Command{Use: "audit", Short: "Audit ledger"}
	a.AddCommand(auditLogCmd())
	a.AddCommand(&cobra.Command{
		Use:   "verify",
		Short: "Verify the audit hash chain",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				report, err := rt.Engine.VerifyAudit(ctx)
				if err != nil {
					return err
				}
				if err := printJSONOrTable(report); err != nil {
					return err
				}
				if !report.Valid {
					return fmt.Errorf("audit chain broken at entry %d: %s", report.BrokenAt, report.Reason)
				}
				return nil
			})
		},
	})
	return a
}

func auditLogCmd() *cobra.Command {
	var entityType, entityID, op string
	var after int64
	var limit int
	cmd := &cobra.Command{
		Use:   "log",
		Short: "List audit entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				entries, err := rt.Engine.AuditLog(ctx, audit.Filter{
					EntityType: domain.EntityType(strings.ToUpper(entityType)),
					EntityID:   entityID,
					Operation:  domain.Operation(strings.ToUpper(op)),
					AfterSeq:   after,
					Limit:      limit,
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(entries)
				}
				tw := newTable("Seq", "Time", "Actor", "Entity", "ID", "Op", "Reason", "Hash")
				for _, e := range entries {
					tw.AppendRow(table.Row{e.Seq, e.TS.Format(time.RFC3339), e.ActorID, e.EntityType, e.EntityID, e.Operation, e.Reason, e.Hash[:12]})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&entityType, "entity-type", "", "CLAIM, RESERVE or PAYMENT")
	cmd.Flags().StringVar(&entityID, "entity-id", "", "entity id")
	cmd.Flags().StringVar(&op, "operation", "", "CREATE, UPDATE, ALLOCATE, PAY, VOID or OVERRIDE")
	cmd.Flags().Int64Var(&after, "after", 0, "only entries after this sequence")
	cmd.Flags().IntVar(&limit, "limit", 100, "maximum entries")
	return cmd
}

// --- breakers ---

func breakerCmd() *cobra.Command {
	b := &cobra.Command{Use: "breaker", Short: "Circuit breaker settings"}
	b.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "Show effective breaker settings per resource",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			names := []string{engine.StorageResource, engine.PolicyResource}
			for _, m := range domain.PaymentMethods {
				names = append(names, rail.BreakerName(m))
			}
			type row struct {
				Resource    string        `json:"resource"`
				Threshold   int           `json:"threshold"`
				Window      time.Duration `json:"window"`
				Recovery    time.Duration `json:"recovery"`
				CallTimeout time.Duration `json:"call_timeout"`
			}
			rows := make([]row, 0, len(names))
			for _, n := range names {
				s := cfg.Breaker(n)
				rows = append(rows, row{n, s.Threshold, s.Window, s.Recovery, s.CallTimeout})
			}
			if viper.GetBool("json") {
				return printJSON(rows)
			}
			tw := newTable("Resource", "Threshold", "Window", "Recovery", "Call timeout")
			for _, r := range rows {
				tw.AppendRow(table.Row{r.Resource, r.Threshold, r.Window, r.Recovery, r.CallTimeout})
			}
			tw.Render()
			return nil
		},
	})
	return b
}

// --- http ---

func tokenCmd() *cobra.Command {
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a bearer token for the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			secret := os.Getenv("CLAIMLEDGER_JWT_SECRET")
			if secret == "" {
				return fmt.Errorf("CLAIMLEDGER_JWT_SECRET is required")
			}
			token, err := server.SignToken(secret, actor(), ttl)
			if err != nil {
				return err
			}
			fmt.Println(token)
			return nil
		},
	}
	cmd.Flags().DurationVar(&ttl, "ttl", 12*time.Hour, "token lifetime")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var allowActorHeader, devLogin bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return withRuntime(ctx, func(ctx context.Context, rt *app.Runtime) error {
				authCfg := server.AuthConfig{
					JWTSecret:        os.Getenv("CLAIMLEDGER_JWT_SECRET"),
					AllowActorHeader: allowActorHeader,
					DevLogin:         devLogin,
					Logger:           rt.Engine.Logger,
				}
				if authCfg.JWTSecret == "" {
					return fmt.Errorf("CLAIMLEDGER_JWT_SECRET is required for bearer auth")
				}
				handler, err := server.New(server.Config{Engine: rt.Engine, BasePath: basePath, Auth: authCfg})
				if err != nil {
					return err
				}
				server.StartAuditFeed(ctx, rt.Engine, rt.Config.Webhooks, os.Getenv, rt.Engine.Logger)
				srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
				go func() {
					<-ctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					srv.Shutdown(shutdownCtx)
				}()
				fmt.Printf("Serving claims ledger API on http://%s%s (OpenAPI at %s/openapi.json, metrics at /metrics)\n", addr, basePath, basePath)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v1", "API base path")
	cmd.Flags().BoolVar(&allowActorHeader, "allow-actor-header", false, "accept X-Actor-Id without a token (development only)")
	cmd.Flags().BoolVar(&devLogin, "dev-login", false, "expose POST <base>/auth/dev/login (development only)")
	return cmd
}

// --- helpers ---

func actor() domain.Actor {
	return domain.Actor{ID: viper.GetString("actor-id"), Role: viper.GetString("actor-role")}
}

func withRuntime(ctx context.Context, fn func(context.Context, *app.Runtime) error) error {
	rt, err := app.Open(ctx, app.Options{
		Workspace:  viper.GetString("workspace"),
		ConfigPath: viper.GetString("config"),
		Logger:     log.New(os.Stderr, "", log.LstdFlags),
	})
	if err != nil {
		return err
	}
	defer rt.Close()
	return fn(ctx, rt)
}

func claimAmount(ctx context.Context, rt *app.Runtime, claimNumber, s string) (money.Amount, error) {
	c, err := rt.Engine.GetClaim(ctx, claimNumber)
	if err != nil {
		return money.Amount{}, err
	}
	return parseMoney(s, c.Currency)
}

func parseMoney(s, currency string) (money.Amount, error) {
	if strings.TrimSpace(s) == "" {
		return money.Zero(currency), nil
	}
	return money.Parse(strings.TrimSpace(s), currency)
}

func parseCeilings(ceiling string, lines map[string]string, currency string) (*money.Amount, map[domain.LineType]money.Amount, error) {
	var total *money.Amount
	if ceiling != "" {
		amt, err := money.Parse(ceiling, currency)
		if err != nil {
			return nil, nil, fmt.Errorf("ceiling: %w", err)
		}
		total = &amt
	}
	var out map[domain.LineType]money.Amount
	if len(lines) > 0 {
		out = make(map[domain.LineType]money.Amount, len(lines))
		for line, v := range lines {
			amt, err := money.Parse(v, currency)
			if err != nil {
				return nil, nil, fmt.Errorf("line ceiling %s: %w", line, err)
			}
			out[domain.LineType(strings.ToUpper(line))] = amt
		}
	}
	return total, out, nil
}

func parseDate(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UTC(), nil
	}
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q (want YYYY-MM-DD)", s)
	}
	return t, nil
}

func newTable(headers ...any) table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row(headers))
	return tw
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
