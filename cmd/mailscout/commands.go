package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/kalambet/mailscout/internal/api"
	"github.com/kalambet/mailscout/internal/config"
	"github.com/kalambet/mailscout/internal/contacts"
	"github.com/kalambet/mailscout/internal/patterns"
	"github.com/kalambet/mailscout/internal/smtpcheck"
)

// --- submit ---

var submitCmd = &cobra.Command{
	Use:   "submit <file.csv>",
	Short: "Upload a contacts CSV for enrichment",
	Long: `Upload a contacts CSV (LinkedIn connections export format) to the
running server. A download link is emailed when the job completes.

Examples:
  mailscout submit Connections.csv --email me@example.com`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		email, _ := cmd.Flags().GetString("email")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		printStep("Uploading %s", args[0])
		res, err := client.submit(cmd.Context(), args[0], email)
		if err != nil {
			return err
		}

		printSuccess("Queued job %s", res.JobID)
		fmt.Println(res.JobID)
		return nil
	},
}

func init() {
	submitCmd.Flags().String("email", "", "address notified when the job completes")
	submitCmd.MarkFlagRequired("email")
}

// --- job ---

var jobCmd = &cobra.Command{
	Use:   "job <id>",
	Short: "Show the status of a job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		asJSON, _ := cmd.Flags().GetBool("json")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		job, err := client.getJob(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		if asJSON {
			return printJSON(job)
		}
		printJob(job)
		return nil
	},
}

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "List recent jobs",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		jobs, err := client.listJobs(cmd.Context(), limit)
		if err != nil {
			return err
		}
		if len(jobs) == 0 {
			fmt.Println("No jobs found.")
			return nil
		}
		for _, j := range jobs {
			fmt.Printf("%s  %-10s  %4d/%-4d  %s\n",
				colorize(colorCyan, j.ID),
				colorize(statusColor(j.Status), j.Status),
				j.EnrichedCount, j.TotalCount,
				j.CreatedAt.Format("2006-01-02 15:04"),
			)
		}
		return nil
	},
}

func init() {
	jobCmd.Flags().Bool("json", false, "print the raw job JSON")
	jobsCmd.Flags().Int("limit", 20, "maximum number of jobs to list")
}

func printJob(j api.JobView) {
	printStatus("Job", "%s", j.ID)
	printStatus("Status", "%s", colorize(statusColor(j.Status), j.Status))
	if j.FileName != "" {
		printStatus("File", "%s", j.FileName)
	}
	printStatus("Progress", "%d enriched of %d rows (%d skipped)", j.EnrichedCount, j.TotalCount, j.SkippedCount)
	if j.DownloadLink != "" {
		printStatus("Download", "%s", j.DownloadLink)
	}
	if j.Error != "" {
		printStatus("Error", "%s", j.Error)
	}
}

// --- verify ---

var verifyCmd = &cobra.Command{
	Use:   "verify <email>",
	Short: "Check a single address against its mail server",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		asJSON, _ := cmd.Flags().GetBool("json")

		cfg, err := config.Load()
		if err != nil {
			return err
		}
		setupLogging(cfg.Log.Level)

		v, err := newSMTPVerifier(cfg.SMTP)
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		res := v.Verify(ctx, args[0])
		if asJSON {
			return printJSON(res)
		}
		printVerifyResult(res)
		if !res.Verified {
			return fmt.Errorf("%s not verified: %s", res.Email, res.Status)
		}
		return nil
	},
}

func init() {
	verifyCmd.Flags().Bool("json", false, "print the result as JSON")
}

func printVerifyResult(res smtpcheck.Result) {
	printStatus("Email", "%s", res.Email)
	printStatus("Status", "%s", colorize(statusColor(string(res.Status)), string(res.Status)))
	if res.MXHost != "" {
		printStatus("MX", "%s", res.MXHost)
	}
	if res.Code != 0 {
		printStatus("Reply", "%d %s", res.Code, res.Message)
	}
}

// --- guess ---

var guessCmd = &cobra.Command{
	Use:   "guess",
	Short: "Guess the email address of one person",
	Long: `Resolve the company domain and list candidate addresses in order of
likelihood. With --verify each candidate is checked and the best one chosen.

Examples:
  mailscout guess --first Jane --last Doe --company "Acme Inc"
  mailscout guess --first Jane --last Doe --company "Acme Inc" --verify`,
	RunE: func(cmd *cobra.Command, args []string) error {
		first, _ := cmd.Flags().GetString("first")
		last, _ := cmd.Flags().GetString("last")
		company, _ := cmd.Flags().GetString("company")
		linkedin, _ := cmd.Flags().GetString("linkedin")
		verify, _ := cmd.Flags().GetBool("verify")
		asJSON, _ := cmd.Flags().GetBool("json")

		cfg, err := config.Load()
		if err != nil {
			return err
		}
		setupLogging(cfg.Log.Level)

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		svc, err := newServices(ctx, cfg)
		if err != nil {
			return err
		}
		defer svc.Close()

		c := contacts.Contact{FirstName: first, LastName: last, Company: company, LinkedInURL: linkedin}
		if verify {
			return guessVerified(ctx, svc, c, asJSON)
		}
		return guessCandidates(ctx, svc, c, asJSON)
	},
}

func init() {
	guessCmd.Flags().String("first", "", "first name")
	guessCmd.Flags().String("last", "", "last name")
	guessCmd.Flags().String("company", "", "company name")
	guessCmd.Flags().String("linkedin", "", "LinkedIn profile URL; verified results are remembered")
	guessCmd.Flags().Bool("verify", false, "verify candidates over SMTP")
	guessCmd.Flags().Bool("json", false, "print the result as JSON")
	guessCmd.MarkFlagRequired("first")
	guessCmd.MarkFlagRequired("company")
}

func guessCandidates(ctx context.Context, svc *services, c contacts.Contact, asJSON bool) error {
	first, last := contacts.NormalizeNames(c.FirstName, c.LastName)
	domain := svc.resolver.Resolve(ctx, c.Company)
	if domain == "" {
		return fmt.Errorf("no domain found for %q", c.Company)
	}
	cands := patterns.Generate(first, last, domain)
	if asJSON {
		return printJSON(cands)
	}
	printStatus("Domain", "%s", domain)
	for _, cand := range cands {
		fmt.Printf("%.2f  %-12s %s\n", cand.Confidence, cand.Pattern, cand.Email)
	}
	return nil
}

func guessVerified(ctx context.Context, svc *services, c contacts.Contact, asJSON bool) error {
	out, ok := svc.orchestrator.Enrich(ctx, c)
	if !ok {
		return fmt.Errorf("first and last name are required")
	}
	if asJSON {
		return printJSON(out)
	}
	if out.Domain == "" {
		printWarning("No domain found for %q", c.Company)
		return nil
	}
	printStatus("Domain", "%s", out.Domain)
	for _, g := range out.GuessedEmails {
		fmt.Printf("%.2f  %-12s %-40s %s\n", g.Confidence, g.Pattern, g.Email, colorize(statusColor(g.Status), g.Status))
	}
	if out.VerifiedEmail != "" {
		printSuccess("Verified: %s", out.VerifiedEmail)
	} else if out.BestEmail != "" {
		printWarning("Best guess (unverified): %s", out.BestEmail)
	}
	return nil
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		keys := config.ShowAll(cfg)
		for _, k := range keys {
			fmt.Printf("  %s = %s  %s\n", colorize(colorBold, k.Key), k.Value, colorize(colorCyan, "$"+k.EnvVar))
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:       "set <key> <value>",
	Short:     "Set a configuration value",
	Args:      cobra.ExactArgs(2),
	ValidArgs: config.ValidKeys(),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		if err := config.SetKey(key, value); err != nil {
			return err
		}

		printSuccess("Set %s = %s", key, value)
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}
