package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/term"

	"github.com/muurk/kasalink/internal/config"
	"github.com/muurk/kasalink/internal/credentials"
	"github.com/muurk/kasalink/internal/logging"
	"github.com/muurk/kasalink/internal/protocol"
	"github.com/muurk/kasalink/internal/transport"
	"github.com/muurk/kasalink/internal/ui"
)

// EnvPassword supplies the account password without a prompt
const EnvPassword = "KASALINK_PASSWORD"

var (
	aliases      []string
	queryAll     bool
	password     string
	defaultCreds string
)

func init() {
	rootCmd.AddCommand(queryCmd)

	addDeviceFlags(queryCmd)
	queryCmd.Flags().StringSliceVarP(&aliases, "alias", "a", nil, "Registered device alias (repeatable)")
	queryCmd.Flags().BoolVar(&queryAll, "all", false, "Query every registered device")
	queryCmd.Flags().StringVar(&password, "password", "", "Account password (prefer "+EnvPassword+" or the prompt)")
	queryCmd.Flags().StringVar(&defaultCreds, "default-credentials", "", "Use a built-in credential set (KASA, TAPO, TAPOCAMERA, KASACAMERA)")
	queryCmd.Flags().BoolVar(&jsonOutput, "json", false, "Print results as JSON")
}

// queryCmd sends one batch to each selected device
var queryCmd = &cobra.Command{
	Use:   "query [method[=params]...]",
	Short: "Send method calls to one or more devices",
	Long: `Send a batch of method calls and print one result per method.

Each argument is a method name, optionally followed by '=' and a JSON
params value. Smart devices (KLAP v2, AES, SSL-AES) take method names such
as get_device_info. Legacy IOT devices (XOR, KLAP v1, Linkie) take module
names with a method map as params. Without arguments the device info call
for the transport is sent.

The password is read from --password, then ` + EnvPassword + `, then
prompted when a username is set and stdin is a terminal.`,
	Example: `  # Device info from a registered device
  kasa-query query -a "desk plug"

  # Several calls to a Tapo device, batched
  kasa-query query --host 192.168.1.40 --family klapv2 --username me@example.com \
    get_device_info get_energy_usage 'get_device_usage={}'

  # Legacy Kasa plug: system and emeter modules
  kasa-query query --host 192.168.1.41 --family xor \
    'system={"get_sysinfo":{}}' 'emeter={"get_realtime":{}}'

  # Every registered device, machine-readable
  kasa-query query --all --json`,
	RunE: runQuery,
}

// target is one device selected for a query
type target struct {
	name   string // Alias, or host when addressed directly
	alias  string
	device *config.Device
}

// outcome is what one device returned
type outcome struct {
	target  target
	family  transport.Family
	address string
	batch   protocol.Batch
	resp    protocol.Response
	err     error
}

func runQuery(cmd *cobra.Command, args []string) error {
	registry, err := config.LoadRegistry()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	targets, err := selectTargets(registry)
	if err != nil {
		return err
	}

	creds, err := buildCredentials(registry, targets)
	if err != nil {
		return err
	}

	tracker := newTracker(cmd.Context(), targets)
	tracker.Start()

	outcomes := make([]outcome, len(targets))
	var wg sync.WaitGroup
	for i, t := range targets {
		wg.Add(1)
		go func(i int, t target) {
			defer wg.Done()
			tracker.Update(i+1, ui.StepRunning, "")
			start := time.Now()
			outcomes[i] = queryTarget(cmd.Context(), registry.Preferences, t, creds(t), args)
			status, note := stepResult(outcomes[i], time.Since(start))
			tracker.Update(i+1, status, note)
		}(i, t)
	}
	wg.Wait()
	if err := tracker.Wait(); err != nil {
		logging.Debug("Progress display exited", zap.Error(err))
	}

	var errs error
	seen := false
	for _, o := range outcomes {
		if o.err == nil && o.target.alias != "" {
			registry.MarkSeen(o.target.alias)
			seen = true
		}
		if o.err != nil {
			errs = multierr.Append(errs, fmt.Errorf("%s: %w", o.target.name, o.err))
		} else if callErr := o.resp.Err(); callErr != nil {
			errs = multierr.Append(errs, fmt.Errorf("%s: %w", o.target.name, callErr))
		}
	}
	if seen {
		if err := registry.Save(); err != nil {
			logging.Warn("Failed to record last seen", zap.Error(err))
		}
	}

	if jsonOutput {
		if err := printJSON(outcomes); err != nil {
			return err
		}
	} else {
		printStyled(outcomes)
	}
	return errs
}

// newTracker returns a live progress display for styled output on a
// terminal, and nil otherwise
func newTracker(ctx context.Context, targets []target) *ui.Tracker {
	if jsonOutput || !term.IsTerminal(int(os.Stdout.Fd())) {
		return nil
	}
	names := make([]string, len(targets))
	for i, t := range targets {
		names[i] = t.name
	}
	label := fmt.Sprintf("Querying %d device(s)...", len(targets))
	return ui.NewTracker(ctx, label, names, os.Stdout)
}

// stepResult summarizes an outcome for the progress display. A device that
// answered with some failed calls still counts as complete.
func stepResult(o outcome, elapsed time.Duration) (ui.StepStatus, string) {
	took := elapsed.Round(time.Millisecond).String()
	if o.err != nil {
		return ui.StepFailed, took
	}
	failed := 0
	for _, c := range calls(o) {
		if c.Err != nil {
			failed++
		}
	}
	if failed > 0 {
		return ui.StepComplete, fmt.Sprintf("%d of %d calls failed, %s", failed, len(o.batch), took)
	}
	return ui.StepComplete, took
}

// selectTargets resolves --host, --alias and --all into devices
func selectTargets(registry *config.Registry) ([]target, error) {
	var targets []target

	if hostFlag != "" {
		d, err := deviceFromFlags()
		if err != nil {
			return nil, err
		}
		targets = append(targets, target{name: hostFlag, device: d})
	}

	names := aliases
	if queryAll {
		names = registry.Aliases()
	}
	for _, alias := range names {
		d := registry.GetDevice(alias)
		if d == nil {
			return nil, fmt.Errorf("no device named %q (see 'kasa-query devices')", alias)
		}
		targets = append(targets, target{name: alias, alias: alias, device: withOverrides(d)})
	}

	if len(targets) == 0 {
		return nil, fmt.Errorf("no device selected: use --host, --alias or --all")
	}
	return targets, nil
}

// withOverrides applies command-line tuning to a registered device without
// touching the stored entry
func withOverrides(d *config.Device) *config.Device {
	out := *d
	if username != "" {
		out.Username = username
	}
	if timeoutSecs > 0 {
		out.Timeout = timeoutSecs
	}
	if batchSize > 0 {
		out.BatchSize = batchSize
	}
	if portFlag > 0 {
		out.Port = portFlag
	}
	return &out
}

// buildCredentials returns the credentials for each target. The password is
// resolved at most once.
func buildCredentials(registry *config.Registry, targets []target) (func(target) *credentials.Credentials, error) {
	if defaultCreds != "" {
		set, err := parseDefaultSet(defaultCreds)
		if err != nil {
			return nil, err
		}
		return func(target) *credentials.Credentials { return credentials.Default(set) }, nil
	}

	needPassword := false
	for _, t := range targets {
		if t.device.EffectiveUsername(registry.Preferences) != "" {
			needPassword = true
		}
	}
	pw := ""
	if needPassword {
		var err error
		pw, err = resolvePassword(password, os.Getenv, promptPassword)
		if err != nil {
			return nil, err
		}
	}

	return func(t target) *credentials.Credentials {
		u := t.device.EffectiveUsername(registry.Preferences)
		if u == "" && pw == "" {
			return credentials.Blank()
		}
		return credentials.New(u, pw)
	}, nil
}

func parseDefaultSet(name string) (credentials.DefaultSet, error) {
	set := credentials.DefaultSet(strings.ToUpper(name))
	switch set {
	case credentials.DefaultKasa, credentials.DefaultTapo, credentials.DefaultTapoCamera, credentials.DefaultKasaCamera:
		return set, nil
	}
	return "", fmt.Errorf("unknown credential set %q", name)
}

// resolvePassword prefers the flag, then the environment, then the prompt
func resolvePassword(flag string, getenv func(string) string, prompt func() (string, error)) (string, error) {
	if flag != "" {
		return flag, nil
	}
	if env := getenv(EnvPassword); env != "" {
		return env, nil
	}
	if prompt == nil {
		return "", nil
	}
	pw, err := prompt()
	if err != nil {
		return "", fmt.Errorf("failed to read password: %w", err)
	}
	return pw, nil
}

// promptPassword reads a password from the terminal without echo. Without a
// terminal it returns an empty password.
func promptPassword() (string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return "", nil
	}
	fmt.Fprint(os.Stderr, "Password: ")
	pw, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", err
	}
	return string(pw), nil
}

// parseCalls turns method[=params] arguments into a batch
func parseCalls(args []string) (protocol.Batch, error) {
	var batch protocol.Batch
	for _, arg := range args {
		method, params, hasParams := strings.Cut(arg, "=")
		method = strings.TrimSpace(method)
		if method == "" {
			return nil, fmt.Errorf("invalid call %q: missing method name", arg)
		}
		if !hasParams {
			batch = batch.Add(method, nil)
			continue
		}
		if !json.Valid([]byte(params)) {
			return nil, fmt.Errorf("invalid call %q: params are not valid JSON", arg)
		}
		batch = batch.Add(method, json.RawMessage(params))
	}
	return batch, batch.Validate()
}

// defaultBatch is the device info call for a transport
func defaultBatch(f transport.Family) protocol.Batch {
	switch f {
	case transport.FamilyXor, transport.FamilyKlap, transport.FamilyLinkie:
		return protocol.Single("system", map[string]any{"get_sysinfo": struct{}{}})
	default:
		return protocol.Single("get_device_info", nil)
	}
}

func queryTarget(ctx context.Context, prefs *config.Preferences, t target, creds *credentials.Credentials, args []string) outcome {
	o := outcome{target: t}

	cfg, err := t.device.ConnectionParams(prefs, creds)
	if err != nil {
		o.err = err
		return o
	}
	o.family = cfg.Family
	o.address = hostPort(cfg.Host, cfg.Port)

	if len(args) == 0 {
		o.batch = defaultBatch(cfg.Family)
	} else if o.batch, err = parseCalls(args); err != nil {
		o.err = err
		return o
	}

	p, err := protocol.Connect(cfg, t.device.ProtocolOptions(prefs))
	if err != nil {
		o.err = err
		return o
	}

	start := time.Now()
	o.resp, o.err = p.Query(ctx, o.batch)
	logging.Debug("Query finished",
		zap.String("device", t.name),
		zap.String("transport", cfg.Family.String()),
		zap.Int("calls", len(o.batch)),
		zap.Duration("elapsed", time.Since(start)),
		zap.Error(o.err),
	)
	o.err = multierr.Append(o.err, p.Close())
	return o
}

func printStyled(outcomes []outcome) {
	width := ui.GetTerminalWidth()
	for i, o := range outcomes {
		if i > 0 {
			fmt.Println()
		}
		params := []ui.Param{{Key: "Transport", Value: o.family.String()}}
		if o.address != "" {
			params = append(params, ui.Param{Key: "Address", Value: o.address})
		}
		fmt.Println(ui.NewHeader(o.target.name, params...).SetWidth(width).Render())

		if o.err != nil {
			fmt.Println(ui.RenderFailure("Query failed", o.err, width))
			continue
		}
		fmt.Println(ui.RenderCalls(calls(o)))
	}
}

// calls orders a response by the batch
func calls(o outcome) []ui.Call {
	out := make([]ui.Call, 0, len(o.batch))
	for _, method := range o.batch.Methods() {
		r := o.resp[method]
		out = append(out, ui.Call{Method: method, Value: r.Value, Err: r.Err})
	}
	return out
}

type jsonCall struct {
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

type jsonDevice struct {
	Transport string              `json:"transport,omitempty"`
	Address   string              `json:"address,omitempty"`
	Error     string              `json:"error,omitempty"`
	Calls     map[string]jsonCall `json:"calls,omitempty"`
}

func printJSON(outcomes []outcome) error {
	out := make(map[string]jsonDevice, len(outcomes))
	for _, o := range outcomes {
		d := jsonDevice{Address: o.address}
		if o.family != transport.FamilyUnknown {
			d.Transport = o.family.String()
		}
		if o.err != nil {
			d.Error = o.err.Error()
		} else {
			d.Calls = make(map[string]jsonCall, len(o.resp))
			for _, c := range calls(o) {
				jc := jsonCall{Result: c.Value}
				if c.Err != nil {
					jc = jsonCall{Error: c.Err.Error()}
				}
				d.Calls[c.Method] = jc
			}
		}
		out[o.target.name] = d
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}
