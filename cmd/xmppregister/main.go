// Command xmppregister drives in-band account registration against an
// XMPP server from the command line: query the registration form (and
// any CAPTCHA challenge), then submit the filled form over a fresh
// connection.
package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/jpillora/backoff"
	"github.com/sammck-go/logger"
	"github.com/spf13/cobra"

	"github.com/sreutter/siproxylin-sub001/pkg/xmppnet"
	"github.com/sreutter/siproxylin-sub001/pkg/xmppreg"
	"github.com/sreutter/siproxylin-sub001/pkg/xmppwire"
)

var version = "dev"

var (
	flagConfig    string
	flagDebug     bool
	flagProxyType string
	flagProxyHost string
	flagProxyPort int
	flagProxyUser string
	flagProxyPass string
	flagTimeout   time.Duration
	flagTransport string
	flagWSURL     string
	flagRetries   int

	flagUsername string
	flagPassword string
	flagEmail    string
)

var rootCmd = &cobra.Command{
	Use:     "xmppregister",
	Short:   "In-band XMPP account registration",
	Long:    "Registers accounts on XMPP servers using in-band registration, including CAPTCHA-protected servers.",
	Version: version,
}

var queryCmd = &cobra.Command{
	Use:   "query <domain>",
	Short: "Fetch and display the registration form for a server",
	Args:  cobra.ExactArgs(1),
	RunE:  runQuery,
}

var registerCmd = &cobra.Command{
	Use:   "register <domain>",
	Short: "Register an account (interactive when a CAPTCHA is required)",
	Args:  cobra.ExactArgs(1),
	RunE:  runRegister,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println(version)
	},
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&flagConfig, "config", "c", "", "TOML config file")
	pf.BoolVar(&flagDebug, "debug", false, "enable debug logging")
	pf.StringVar(&flagProxyType, "proxy-type", "", "proxy type (http or socks5)")
	pf.StringVar(&flagProxyHost, "proxy-host", "", "proxy host")
	pf.IntVar(&flagProxyPort, "proxy-port", 0, "proxy port")
	pf.StringVar(&flagProxyUser, "proxy-user", "", "proxy username")
	pf.StringVar(&flagProxyPass, "proxy-pass", "", "proxy password")
	pf.DurationVar(&flagTimeout, "timeout", 0, "per-phase timeout (e.g. 20s)")
	pf.StringVar(&flagTransport, "transport", "", "transport (tcp or websocket)")
	pf.StringVar(&flagWSURL, "ws-url", "", "explicit WebSocket endpoint URL")
	pf.IntVar(&flagRetries, "retries", 3, "connection attempts before giving up")

	registerCmd.Flags().StringVarP(&flagUsername, "username", "u", "", "desired username")
	registerCmd.Flags().StringVarP(&flagPassword, "password", "p", "", "desired password")
	registerCmd.Flags().StringVarP(&flagEmail, "email", "e", "", "email address (if the form asks for one)")

	rootCmd.AddCommand(queryCmd, registerCmd, versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "xmppregister: %s\n", err)
		os.Exit(1)
	}
}

func newLogger() (logger.Logger, error) {
	level := logger.LogLevelWarning
	if flagDebug {
		level = logger.LogLevelDebug
	}
	return logger.New(
		logger.WithWriter(os.Stderr),
		logger.WithLogLevel(level),
		logger.WithPrefix("xmppregister"),
	)
}

func buildConfig() (*cliConfig, error) {
	cfg := &cliConfig{}
	if flagConfig != "" {
		if err := loadFileConfig(flagConfig, cfg); err != nil {
			return nil, err
		}
	}
	if flagProxyHost != "" {
		cfg.session.Proxy = &xmppnet.ProxyConfig{
			Type:     xmppnet.ProxyType(flagProxyType),
			Host:     flagProxyHost,
			Port:     flagProxyPort,
			Username: flagProxyUser,
			Password: flagProxyPass,
		}
	}
	if cfg.session.Proxy != nil {
		if err := cfg.session.Proxy.Validate(); err != nil {
			return nil, err
		}
	}
	if flagTimeout > 0 {
		cfg.session.ConnectTimeout = flagTimeout
		cfg.queryTimeout = flagTimeout
		cfg.submitTimeout = flagTimeout
	}
	if flagTransport != "" {
		cfg.session.Transport = xmppreg.Transport(flagTransport)
	}
	if flagWSURL != "" {
		cfg.session.WebSocket.URL = flagWSURL
	}
	switch cfg.session.Transport {
	case "", xmppreg.TransportTCP, xmppreg.TransportWebSocket:
	default:
		return nil, fmt.Errorf("unknown transport %q", cfg.session.Transport)
	}
	return cfg, nil
}

// createSession connects with retry. Only transient failures (transport
// and timeout) are retried; a server rejection or bad configuration
// fails immediately.
func createSession(ctx context.Context, log logger.Logger, reg *xmppreg.Registry, domain string, cfg *cliConfig) (string, error) {
	b := &backoff.Backoff{Min: time.Second, Max: 30 * time.Second}
	for {
		handle, err := reg.CreateSession(ctx, domain, cfg.session)
		if err == nil {
			return handle, nil
		}
		retryable := xmppreg.IsKind(err, xmppreg.KindConnection) || xmppreg.IsKind(err, xmppreg.KindTimeout)
		attempt := int(b.Attempt()) + 1
		if !retryable || attempt >= flagRetries {
			return "", err
		}
		d := b.Duration()
		fmt.Fprintf(os.Stderr, "Connection to %s failed: %s (attempt %d/%d, retrying in %s)\n",
			domain, err, attempt, flagRetries, d)
		select {
		case <-time.After(d):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
}

func runQuery(cmd *cobra.Command, args []string) error {
	domain := args[0]
	log, err := newLogger()
	if err != nil {
		return err
	}
	cfg, err := buildConfig()
	if err != nil {
		return err
	}

	reg := xmppreg.NewRegistry(log)
	defer reg.Close()

	ctx := cmd.Context()
	handle, err := createSession(ctx, log, reg, domain, cfg)
	if err != nil {
		return err
	}
	s, err := reg.Get(handle)
	if err != nil {
		return err
	}
	form, err := s.QueryForm(ctx, cfg.queryTimeout)
	if err != nil {
		return err
	}
	printForm(domain, form)
	if form.Captcha != nil {
		if _, err := writeCaptchaMedia(form.Captcha); err != nil {
			return err
		}
	}
	return nil
}

func runRegister(cmd *cobra.Command, args []string) error {
	domain := args[0]
	log, err := newLogger()
	if err != nil {
		return err
	}
	cfg, err := buildConfig()
	if err != nil {
		return err
	}

	reg := xmppreg.NewRegistry(log)
	defer reg.Close()

	ctx := cmd.Context()
	handle, err := createSession(ctx, log, reg, domain, cfg)
	if err != nil {
		return err
	}
	s, err := reg.Get(handle)
	if err != nil {
		return err
	}
	form, err := s.QueryForm(ctx, cfg.queryTimeout)
	if err != nil {
		return err
	}
	printForm(domain, form)

	in := bufio.NewReader(os.Stdin)
	creds := xmppreg.Credentials{
		Username: flagUsername,
		Password: flagPassword,
		Email:    flagEmail,
	}
	if creds.Username == "" {
		creds.Username, err = prompt(in, "Username: ")
		if err != nil {
			return err
		}
	}
	if creds.Password == "" {
		creds.Password, err = prompt(in, "Password: ")
		if err != nil {
			return err
		}
	}
	if creds.Email == "" {
		if _, wantsEmail := form.Fields["email"]; wantsEmail {
			creds.Email, err = prompt(in, "Email (optional): ")
			if err != nil {
				return err
			}
		}
	}
	if form.Captcha != nil {
		files, err := writeCaptchaMedia(form.Captcha)
		if err != nil {
			return err
		}
		if len(files) > 0 {
			fmt.Printf("CAPTCHA challenge saved to: %s\n", strings.Join(files, ", "))
		}
		creds.ChallengeAnswer, err = prompt(in, "CAPTCHA answer: ")
		if err != nil {
			return err
		}
	}

	account, err := s.Submit(ctx, creds, cfg.submitTimeout)
	if err != nil {
		return err
	}
	fmt.Printf("Registered %s\n", account)
	return nil
}

func prompt(in *bufio.Reader, label string) (string, error) {
	fmt.Print(label)
	line, err := in.ReadString('\n')
	if err != nil {
		return "", fmt.Errorf("read input: %w", err)
	}
	return strings.TrimSpace(line), nil
}

func printForm(domain string, form *xmppwire.FormResponse) {
	fmt.Printf("Registration form for %s:\n", domain)
	if form.Instructions != "" {
		fmt.Printf("  %s\n", form.Instructions)
	}
	vars := make([]string, 0, len(form.Fields))
	for v := range form.Fields {
		vars = append(vars, v)
	}
	sort.Strings(vars)
	for _, v := range vars {
		f := form.Fields[v]
		req := ""
		if f.Required {
			req = " (required)"
		}
		fmt.Printf("  %-16s %s%s\n", v, f.Label, req)
	}
	if form.Captcha != nil {
		fmt.Printf("  CAPTCHA challenge present (%d media items)\n", len(form.Captcha.Media))
	}
}

// writeCaptchaMedia saves inline challenge media to files in the
// working directory so the user can look at them.
func writeCaptchaMedia(c *xmppwire.CaptchaData) ([]string, error) {
	var files []string
	for i, m := range c.Media {
		if len(m.Data) == 0 {
			continue
		}
		name := fmt.Sprintf("captcha_%d%s", i+1, extForMIME(m.MIMEType))
		if err := os.WriteFile(name, m.Data, 0600); err != nil {
			return nil, fmt.Errorf("write %s: %w", name, err)
		}
		files = append(files, name)
	}
	return files, nil
}

func extForMIME(mime string) string {
	switch mime {
	case "image/png":
		return ".png"
	case "image/jpeg":
		return ".jpg"
	case "image/gif":
		return ".gif"
	case "audio/x-wav", "audio/wav":
		return ".wav"
	}
	return ".bin"
}
