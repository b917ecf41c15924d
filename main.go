package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"portalgate/auth"
	"portalgate/browser"
	"portalgate/captcha"
	"portalgate/config"
	"portalgate/logger"
	"portalgate/ratelimit"
	"portalgate/stealth"
	"portalgate/storage"
)

var (
	configFile string
	verbose    bool
	headless   bool
)

func main() {
	var rootCmd = &cobra.Command{
		Use:   "portalgate",
		Short: "Portal login automation with slider challenge solving",
		Long:  `Signs in to a web portal through a real browser, solving slider puzzle challenges on the way.`,
	}

	// Global flags
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "./config/config.yaml", "Configuration file path")
	rootCmd.PersistentFlags().BoolVar(&verbose, "verbose", false, "Enable verbose logging")
	rootCmd.PersistentFlags().BoolVar(&headless, "headless", true, "Run browser in headless mode")

	rootCmd.AddCommand(createLoginCmd())
	rootCmd.AddCommand(createSolveCmd())
	rootCmd.AddCommand(createHistoryCmd())
	rootCmd.AddCommand(createStatusCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func createLoginCmd() *cobra.Command {
	var sessionOut string

	var cmd = &cobra.Command{
		Use:   "login",
		Short: "Sign in to the portal",
		Long:  `Open the login page, submit the configured credentials and clear any slider challenge.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLogin(cmd, sessionOut)
		},
	}

	cmd.Flags().StringVar(&sessionOut, "session-out", "", "Write the authenticated session as JSON to this file")
	return cmd
}

func createSolveCmd() *cobra.Command {
	var (
		background string
		piece      string
		domWidth   float64
		debugOut   string
	)

	var cmd = &cobra.Command{
		Use:   "solve",
		Short: "Locate the gap in a saved challenge",
		Long:  `Run the gap locator offline against a background and piece image (file paths, URLs or data URIs).`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSolve(cmd, background, piece, domWidth, debugOut)
		},
	}

	cmd.Flags().StringVar(&background, "background", "", "Background image")
	cmd.Flags().StringVar(&piece, "piece", "", "Puzzle piece image")
	cmd.Flags().Float64Var(&domWidth, "dom-width", 0, "Rendered width of the background in CSS pixels (default: natural width)")
	cmd.Flags().StringVar(&debugOut, "debug-out", "", "Write an overlay PNG to this path")
	cmd.MarkFlagRequired("background")
	cmd.MarkFlagRequired("piece")
	return cmd
}

func createHistoryCmd() *cobra.Command {
	var limit int

	var cmd = &cobra.Command{
		Use:   "history",
		Short: "Show recent login attempts",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runHistory(limit)
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 20, "Number of attempts to show")
	return cmd
}

func createStatusCmd() *cobra.Command {
	var cmd = &cobra.Command{
		Use:   "status",
		Short: "Show status and statistics",
		Long:  `Display current status, statistics, and configuration information.`,
		RunE:  runStatus,
	}

	return cmd
}

// Command runners

func runLogin(cmd *cobra.Command, sessionOut string) error {
	cfg, err := config.LoadConfig(configFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.RequireCredentials(); err != nil {
		return err
	}

	if err := setupLogger(cfg.Logging); err != nil {
		return fmt.Errorf("failed to setup logger: %w", err)
	}
	defer logger.Close()
	log := logger.GetLogger()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := storage.NewDatabase(cfg.Storage.Path, log)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer db.Close()

	limiter := ratelimit.NewRateLimiter(convertConfigToLimits(cfg.Limits), log)
	if err := seedLimiter(limiter, db, time.Now()); err != nil {
		log.WithError(err).Warn("Failed to load login history for rate limiting")
	}

	stealthManager := stealth.NewStealthManager(convertConfigToStealth(cfg.Stealth), log, nil)

	if cmd.Root().PersistentFlags().Changed("headless") {
		cfg.Browser.Headless = headless
	}
	userAgent := stealthManager.UserAgent(cfg.Browser.UserAgent)
	width, height := stealthManager.Viewport(cfg.Browser.ViewportWidth, cfg.Browser.ViewportHeight)

	driver, err := browser.Launch(cfg.Browser.Driver, browser.LaunchOptions{
		Headless:       cfg.Browser.Headless,
		UserAgent:      userAgent,
		ExecutablePath: cfg.Browser.ExecutablePath,
		ProfileDir:     cfg.Browser.ProfileDir,
		ViewportWidth:  width,
		ViewportHeight: height,
		InitScripts:    []string{stealth.AutomationMaskScript},
	}, log)
	if err != nil {
		return fmt.Errorf("failed to initialize browser: %w", err)
	}

	fetcher := captcha.NewFetcher(cfg.Captcha.FetchTimeout, userAgent)
	solver := captcha.NewSolver(driver, fetcher, stealthManager, convertConfigToCaptcha(cfg.Captcha, cfg.Login), log)

	authManager := auth.NewAuthManager(driver, solver, stealthManager, convertConfigToAuth(cfg.Portal, cfg.Login), log,
		auth.WithRecorder(db),
		auth.WithLimiter(limiter),
	)
	defer authManager.Close()

	creds := &auth.Credentials{Identifier: cfg.Portal.Identifier, Secret: cfg.Portal.Secret}
	result, err := authManager.Login(ctx, creds)
	if err != nil {
		if errors.Is(err, ratelimit.ErrLimitExceeded) {
			return fmt.Errorf("login refused: %w", err)
		}
		return fmt.Errorf("authentication failed: %w", err)
	}

	fmt.Printf("Login succeeded!\n")
	fmt.Printf("Account: %s\n", auth.MaskIdentifier(creds.Identifier))
	fmt.Printf("Landing page: %s\n", result.Session.URL)
	fmt.Printf("Cookies: %d\n", len(result.Session.Cookies))
	if result.Resumed {
		fmt.Printf("Browser profile was already signed in\n")
	} else {
		fmt.Printf("Attempt %d, %d refreshes, %d challenge solves\n",
			result.State.Attempt, result.State.Refreshes, result.State.SolveInvocations)
	}

	if sessionOut != "" {
		if err := saveSession(result.Session, sessionOut); err != nil {
			log.WithError(err).Error("Failed to save session")
		} else {
			fmt.Printf("Session saved to: %s\n", sessionOut)
		}
	}

	return nil
}

func runSolve(cmd *cobra.Command, background, piece string, domWidth float64, debugOut string) error {
	cfg, err := config.LoadConfig(configFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := setupLogger(cfg.Logging); err != nil {
		return fmt.Errorf("failed to setup logger: %w", err)
	}
	defer logger.Close()

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	fetcher := captcha.NewFetcher(cfg.Captcha.FetchTimeout, cfg.Browser.UserAgent)
	bg, err := fetcher.Load(ctx, background)
	if err != nil {
		return fmt.Errorf("failed to load background: %w", err)
	}
	pc, err := fetcher.Load(ctx, piece)
	if err != nil {
		return fmt.Errorf("failed to load piece: %w", err)
	}

	locator := captcha.NewLocator(convertConfigToLocator(cfg.Captcha))
	est := locator.Locate(bg, pc, domWidth)

	fmt.Printf("Gap estimate\n")
	fmt.Printf("============\n")
	fmt.Printf("  Match:       (%d, %d), piece %dx%d\n", est.MatchX, est.MatchY, est.PieceWidth, est.PieceHeight)
	fmt.Printf("  Notch x:     %.1f px (image width %d)\n", est.RawX, est.ImageWidth)
	fmt.Printf("  Rendered x:  %.1f px (DOM width %.0f)\n", est.X, est.DOMWidth)
	fmt.Printf("  Offset:      %.1f px\n", est.Offset)
	fmt.Printf("  Confidence:  %.3f\n", est.Confidence)
	if est.Degenerate {
		fmt.Printf("  Images carry no usable signal\n")
		return nil
	}
	if est.Confidence < cfg.Captcha.MinConfidence {
		fmt.Printf("  Below minimum confidence %.2f\n", cfg.Captcha.MinConfidence)
	}

	stealthManager := stealth.NewStealthManager(convertConfigToStealth(cfg.Stealth), logger.GetLogger(), nil)
	target := int(math.Round(est.Offset + cfg.Captcha.DragOffset))
	plan := stealth.PlanDrag(target, stealthManager.Rand(), stealthManager.Motion())
	fmt.Printf("\nSample drag: %d px in %d steps, ~%v\n", plan.TotalDX(), len(plan.Steps), plan.Duration().Round(time.Millisecond))

	if debugOut != "" {
		if err := captcha.WriteOverlay(debugOut, bg, est); err != nil {
			return err
		}
		fmt.Printf("Overlay saved to: %s\n", debugOut)
	}
	return nil
}

func runHistory(limit int) error {
	cfg, err := config.LoadConfig(configFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := setupLogger(cfg.Logging); err != nil {
		return fmt.Errorf("failed to setup logger: %w", err)
	}
	defer logger.Close()

	db, err := storage.NewDatabase(cfg.Storage.Path, logger.GetLogger())
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer db.Close()

	attempts, err := db.RecentLoginAttempts(limit)
	if err != nil {
		return fmt.Errorf("failed to load login history: %w", err)
	}
	if len(attempts) == 0 {
		fmt.Println("No login attempts recorded")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "STARTED\tRUN\tATTEMPT\tOUTCOME\tPHASE\tREFRESHES\tSOLVES\tDIAGNOSTIC")
	for _, a := range attempts {
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\t%d\t%d\t%s\n",
			a.StartedAt.Local().Format("2006-01-02 15:04:05"), shortID(a.RunID), a.Attempt,
			a.Outcome, a.Phase, a.Refreshes, a.SolveInvocations, a.Diagnostic)
	}
	return w.Flush()
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig(configFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := setupLogger(cfg.Logging); err != nil {
		return fmt.Errorf("failed to setup logger: %w", err)
	}
	defer logger.Close()

	// Initialize database
	db, err := storage.NewDatabase(cfg.Storage.Path, logger.GetLogger())
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer db.Close()

	// Get daily stats
	stats, err := db.GetDailyStats(time.Now())
	if err != nil {
		return fmt.Errorf("failed to get daily stats: %w", err)
	}
	hourly, err := db.CountLoginAttemptsSince(time.Now().Truncate(time.Hour))
	if err != nil {
		return fmt.Errorf("failed to count login attempts: %w", err)
	}
	latest, err := db.LatestSession()
	if err != nil {
		return fmt.Errorf("failed to load latest session: %w", err)
	}

	fmt.Printf("Portal Gate Status\n")
	fmt.Printf("==================\n\n")
	fmt.Printf("Configuration:\n")
	fmt.Printf("  Config file: %s\n", configFile)
	fmt.Printf("  Login URL: %s\n", cfg.Portal.LoginURL)
	fmt.Printf("  Browser: %s (headless: %v)\n", cfg.Browser.Driver, cfg.Browser.Headless)
	fmt.Printf("  Account: %s\n", auth.MaskIdentifier(cfg.Portal.Identifier))
	fmt.Printf("  Budgets: %d attempts x %d refresh cycles x %d solves\n",
		cfg.Login.MaxLoginAttempts, cfg.Login.RefreshCycles, cfg.Login.CaptchaAttemptsPerCycle)
	fmt.Printf("\n")
	fmt.Printf("Daily Statistics:\n")
	fmt.Printf("  Login attempts: %d\n", stats["login_attempts"])
	fmt.Printf("  Logins succeeded: %d\n", stats["logins_succeeded"])
	fmt.Printf("  Challenge solves: %d\n", stats["solve_attempts"])
	fmt.Printf("  Challenges cleared: %d\n", stats["solves_succeeded"])
	fmt.Printf("\n")
	fmt.Printf("Limits:\n")
	fmt.Printf("  Daily logins: %d/%d\n", stats["login_attempts"], cfg.Limits.DailyLogins)
	fmt.Printf("  Hourly logins: %d/%d\n", hourly, cfg.Limits.HourlyLogins)
	fmt.Printf("\n")
	fmt.Printf("Latest session:\n")
	if latest == nil {
		fmt.Printf("  none\n")
	} else {
		fmt.Printf("  %s at %s (%d cookies)\n", latest.URL, latest.CreatedAt.Local().Format(time.RFC1123), latest.CookieCount)
	}

	return nil
}

// Helper functions

func setupLogger(cfg config.LoggingConfig) error {
	level := cfg.Level
	if verbose {
		level = "debug"
	}
	if level == "" {
		level = "info"
	}

	return logger.InitLogger(level, cfg.Format, cfg.Output, cfg.MaxSize, cfg.MaxBackups, cfg.MaxAge)
}

// seedLimiter restores the current hour's and day's login counts from history.
func seedLimiter(limiter *ratelimit.RateLimiter, db *storage.Database, now time.Time) error {
	hourly, err := db.CountLoginAttemptsSince(now.Truncate(time.Hour))
	if err != nil {
		return err
	}
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	daily, err := db.CountLoginAttemptsSince(midnight)
	if err != nil {
		return err
	}
	limiter.Seed(ratelimit.ActionLogin, hourly, daily)
	return nil
}

func convertConfigToStealth(cfg config.StealthConfig) stealth.Config {
	return stealth.Config{
		Timing: stealth.TimingConfig{
			MinDelay: cfg.Timing.MinDelay,
			MaxDelay: cfg.Timing.MaxDelay,
		},
		Motion: stealth.MotionPolicy{
			MinSteps:      cfg.Motion.MinSteps,
			MaxSteps:      cfg.Motion.MaxSteps,
			PixelsPerStep: cfg.Motion.PixelsPerStep,
			JitterXMin:    cfg.Motion.JitterXMin,
			JitterXMax:    cfg.Motion.JitterXMax,
			JitterY:       cfg.Motion.JitterY,
			DwellMin:      cfg.Motion.DwellMin,
			DwellMax:      cfg.Motion.DwellMax,
			CorrectionMin: cfg.Motion.CorrectionMin,
			CorrectionMax: cfg.Motion.CorrectionMax,
			HoldMin:       cfg.Motion.HoldMin,
			HoldMax:       cfg.Motion.HoldMax,
		},
		Fingerprint: stealth.FingerprintConfig{
			RandomUserAgent:   cfg.Fingerprint.RandomUserAgent,
			RandomViewport:    cfg.Fingerprint.RandomViewport,
			MinViewportWidth:  cfg.Fingerprint.MinViewportWidth,
			MaxViewportWidth:  cfg.Fingerprint.MaxViewportWidth,
			MinViewportHeight: cfg.Fingerprint.MinViewportHeight,
			MaxViewportHeight: cfg.Fingerprint.MaxViewportHeight,
			UserAgents:        cfg.Fingerprint.UserAgents,
		},
	}
}

func convertConfigToLocator(cfg config.CaptchaConfig) captcha.LocatorConfig {
	return captcha.LocatorConfig{
		IntensityWeight: cfg.IntensityWeight,
		EdgeWeight:      cfg.EdgeWeight,
		CannyLow:        cfg.CannyLow,
		CannyHigh:       cfg.CannyHigh,
	}
}

func convertConfigToCaptcha(cfg config.CaptchaConfig, login config.LoginConfig) captcha.Config {
	return captcha.Config{
		WidgetSelectors:     cfg.WidgetSelectors,
		BackgroundSelectors: cfg.BackgroundSelectors,
		PieceSelectors:      cfg.PieceSelectors,
		HandleSelectors:     cfg.HandleSelectors,
		Locator:             convertConfigToLocator(cfg),
		MinConfidence:       cfg.MinConfidence,
		DragOffset:          cfg.DragOffset,
		VerifyDelay:         cfg.VerifyDelay,
		VerifyJitter:        cfg.VerifyJitter,
		StepTimeout:         login.StepTimeout,
		DebugDir:            cfg.DebugDir,
	}
}

func convertConfigToAuth(portal config.PortalConfig, login config.LoginConfig) auth.Config {
	return auth.Config{
		LoginURL: portal.LoginURL,
		Selectors: auth.Selectors{
			Identifier: portal.Selectors.Identifier,
			Secret:     portal.Selectors.Secret,
			Continue:   portal.Selectors.Continue,
			Submit:     portal.Selectors.Submit,
			Error:      portal.Selectors.Error,
		},
		SuccessURLPatterns: portal.SuccessURLPatterns,
		FailureURLPatterns: portal.FailureURLPatterns,
		Budgets: auth.Budgets{
			MaxLoginAttempts:        login.MaxLoginAttempts,
			RefreshCycles:           login.RefreshCycles,
			CaptchaAttemptsPerCycle: login.CaptchaAttemptsPerCycle,
		},
		StepTimeout:   login.StepTimeout,
		ChallengeWait: login.ChallengeWait,
		PollInterval:  login.PollInterval,
		SettleDelay:   login.SettleDelay,
	}
}

func convertConfigToLimits(cfg config.LimitsConfig) ratelimit.Config {
	return ratelimit.Config{
		MinInterval:   cfg.MinInterval,
		HourlyLimit:   cfg.HourlyLogins,
		DailyLimit:    cfg.DailyLogins,
		JitterPercent: cfg.JitterPercent,
	}
}

func saveSession(session *auth.Session, outputPath string) error {
	jsonData, err := json.MarshalIndent(session, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}

	// Create directory if needed
	dir := filepath.Dir(outputPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}

	// Cookies are credentials
	return os.WriteFile(outputPath, jsonData, 0600)
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
