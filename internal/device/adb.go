package device

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/png"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

// Runner executes one external command and returns its output.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) (stdout, stderr []byte, err error)
}

type execRunner struct{}

func (execRunner) Run(ctx context.Context, name string, args ...string) ([]byte, []byte, error) {
	var out, errb bytes.Buffer
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdout = &out
	cmd.Stderr = &errb
	err := cmd.Run()
	return out.Bytes(), errb.Bytes(), err
}

// ADBConfig configures an ADB channel for one serial.
type ADBConfig struct {
	Path   string
	Serial string
	// Timeout bounds a single adb invocation.
	Timeout time.Duration
	// InputRate caps taps/swipes/keys per second so the game keeps up.
	InputRate float64
	Runner    Runner
}

// ADB implements Channel and ComponentSource over the adb CLI.
type ADB struct {
	cfg ADBConfig
	lim *rate.Limiter
}

func NewADB(cfg ADBConfig) *ADB {
	if cfg.Path == "" {
		cfg.Path = "adb"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 8 * time.Second
	}
	if cfg.InputRate <= 0 {
		cfg.InputRate = 8
	}
	if cfg.Runner == nil {
		cfg.Runner = execRunner{}
	}
	burst := max(1, int(cfg.InputRate))
	return &ADB{cfg: cfg, lim: rate.NewLimiter(rate.Limit(cfg.InputRate), burst)}
}

// Serial formats the adb serial for a local emulator port.
func Serial(host string, port int) string {
	if host == "" {
		host = "127.0.0.1"
	}
	return host + ":" + strconv.Itoa(port)
}

func (a *ADB) Serial() string { return a.cfg.Serial }

func (a *ADB) run(ctx context.Context, timeout time.Duration, args ...string) ([]byte, error) {
	if timeout <= 0 {
		timeout = a.cfg.Timeout
	}
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	full := append([]string{"-s", a.cfg.Serial}, args...)
	out, errb, err := a.cfg.Runner.Run(cctx, a.cfg.Path, full...)
	if err != nil {
		if msg := strings.TrimSpace(string(errb)); msg != "" {
			return out, fmt.Errorf("adb %s: %w: %s", strings.Join(args, " "), err, msg)
		}
		return out, fmt.Errorf("adb %s: %w", strings.Join(args, " "), err)
	}
	return out, nil
}

func (a *ADB) shell(ctx context.Context, args ...string) (string, error) {
	out, err := a.run(ctx, 0, append([]string{"shell"}, args...)...)
	return string(out), err
}

func (a *ADB) input(ctx context.Context, args ...string) error {
	if err := a.lim.Wait(ctx); err != nil {
		return err
	}
	_, err := a.shell(ctx, append([]string{"input"}, args...)...)
	return err
}

func (a *ADB) Tap(ctx context.Context, x, y int) error {
	return a.input(ctx, "tap", strconv.Itoa(x), strconv.Itoa(y))
}

func (a *ADB) Swipe(ctx context.Context, x1, y1, x2, y2 int, dur time.Duration) error {
	return a.input(ctx, "swipe",
		strconv.Itoa(x1), strconv.Itoa(y1), strconv.Itoa(x2), strconv.Itoa(y2),
		strconv.FormatInt(dur.Milliseconds(), 10))
}

func (a *ADB) TypeText(ctx context.Context, s string) error {
	if s == "" {
		return nil
	}
	return a.input(ctx, "text", EscapeInputText(s))
}

func (a *ADB) KeyEvent(ctx context.Context, code int) error {
	return a.input(ctx, "keyevent", strconv.Itoa(code))
}

// EscapeInputText quotes s for "input text" through the device shell.
func EscapeInputText(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch {
		case r == ' ':
			b.WriteString("%s")
		case strings.ContainsRune(`\'"()<>|;&*~$`+"`"+`!?#%[]{}^`, r):
			b.WriteByte('\\')
			b.WriteRune(r)
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}

// CaptureFrame grabs a PNG screenshot, falling back to a file on /sdcard
// when exec-out is unavailable.
func (a *ADB) CaptureFrame(ctx context.Context) (image.Image, error) {
	raw, err := a.run(ctx, 5*time.Second, "exec-out", "screencap", "-p")
	if err != nil || len(raw) == 0 {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if _, ferr := a.shell(ctx, "screencap", "-p", "/sdcard/__cap.png"); ferr != nil {
			return nil, errors.Join(err, ferr)
		}
		raw, err = a.run(ctx, 6*time.Second, "exec-out", "cat", "/sdcard/__cap.png")
		if err != nil {
			return nil, err
		}
	}
	img, err := png.Decode(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("decode screencap: %w", err)
	}
	return img, nil
}

// TopComponent reports the resumed activity component.
func (a *ADB) TopComponent(ctx context.Context) (string, error) {
	out, err := a.shell(ctx, "cmd", "activity", "get-foreground-activity")
	if err == nil {
		if c := ParseForegroundActivity(out); c != "" {
			return c, nil
		}
	}
	if ctx.Err() != nil {
		return "", ctx.Err()
	}
	out, err = a.shell(ctx, "dumpsys", "activity", "activities")
	if err != nil {
		return "", err
	}
	if c := ParseTopComponent(out); c != "" {
		return c, nil
	}
	out, err = a.shell(ctx, "dumpsys", "window", "windows")
	if err != nil {
		return "", err
	}
	return ParseTopComponent(out), nil
}

func (a *ADB) IsAppForeground(ctx context.Context, pkg string) (bool, error) {
	comp, err := a.TopComponent(ctx)
	if err != nil {
		return false, err
	}
	p, _, _ := strings.Cut(comp, "/")
	return p == pkg, nil
}

// LaunchApp starts the activity, falling back to monkey on the package.
func (a *ADB) LaunchApp(ctx context.Context, pkg, activity string) (bool, error) {
	if activity != "" {
		_, err := a.run(ctx, 10*time.Second, "shell", "am", "start", "-n", activity,
			"-a", "android.intent.action.MAIN", "-c", "android.intent.category.LAUNCHER")
		if err == nil {
			return true, nil
		}
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
	}
	_, err := a.run(ctx, 10*time.Second, "shell", "monkey", "-p", pkg,
		"-c", "android.intent.category.LAUNCHER", "1")
	if err != nil {
		return false, err
	}
	return true, nil
}

// ConnectionState checks "get-state", reconnects once when needed and then
// distinguishes a booting system from a ready one.
func (a *ADB) ConnectionState(ctx context.Context) (ConnState, error) {
	if !a.attached(ctx) {
		cctx, cancel := context.WithTimeout(ctx, a.cfg.Timeout)
		_, _, err := a.cfg.Runner.Run(cctx, a.cfg.Path, "connect", a.cfg.Serial)
		cancel()
		if err != nil || !a.attached(ctx) {
			if ctx.Err() != nil {
				return Offline, ctx.Err()
			}
			return Offline, nil
		}
	}
	out, err := a.shell(ctx, "getprop", "sys.boot_completed")
	if err != nil {
		return Booting, nil
	}
	if strings.TrimSpace(out) == "1" {
		return Online, nil
	}
	return Booting, nil
}

func (a *ADB) attached(ctx context.Context) bool {
	out, err := a.run(ctx, 5*time.Second, "get-state")
	return err == nil && strings.TrimSpace(string(out)) == "device"
}

var (
	_ Channel         = (*ADB)(nil)
	_ ComponentSource = (*ADB)(nil)
)
