package device

import (
	"context"
	"regexp"
	"strings"
)

// GameState is what the game screen currently expects from us.
type GameState int

const (
	StateUnknown GameState = iota
	StateNeedsLogin
	StateInGame
)

func (s GameState) String() string {
	switch s {
	case StateNeedsLogin:
		return "needs_login"
	case StateInGame:
		return "in_game"
	default:
		return "unknown"
	}
}

// StateProbe classifies the current screen.
type StateProbe interface {
	State(ctx context.Context) (GameState, error)
}

// ComponentSource reports the resumed activity, e.g. "pkg/pkg.MainActivity".
type ComponentSource interface {
	TopComponent(ctx context.Context) (string, error)
}

// ComponentProbe classifies by substring match on the top activity component.
type ComponentProbe struct {
	Source      ComponentSource
	LoginMarker string
	GameMarker  string
}

func (p ComponentProbe) State(ctx context.Context) (GameState, error) {
	comp, err := p.Source.TopComponent(ctx)
	if err != nil {
		return StateUnknown, err
	}
	return ClassifyComponent(comp, p.LoginMarker, p.GameMarker), nil
}

// ClassifyComponent maps a component name to a state. The login marker wins
// because the login activity is hosted inside the game package.
func ClassifyComponent(comp, loginMarker, gameMarker string) GameState {
	switch {
	case comp == "":
		return StateUnknown
	case loginMarker != "" && strings.Contains(comp, loginMarker):
		return StateNeedsLogin
	case gameMarker != "" && strings.Contains(comp, gameMarker):
		return StateInGame
	default:
		return StateUnknown
	}
}

var (
	resumedRe = regexp.MustCompile(
		`(?m)(?:topResumedActivity|mResumedActivity|ResumedActivity|mFocusedApp|mCurrentFocus)[:=].*?([A-Za-z0-9_.]+/[A-Za-z0-9_.$]+)`)
	componentInfoRe = regexp.MustCompile(`ComponentInfo\{([^}]+)\}`)
)

// ParseTopComponent extracts the resumed component from dumpsys output.
func ParseTopComponent(dump string) string {
	m := resumedRe.FindStringSubmatch(dump)
	if len(m) < 2 {
		return ""
	}
	return expandComponent(m[1])
}

// ParseForegroundActivity extracts the component from
// "cmd activity get-foreground-activity" output.
func ParseForegroundActivity(out string) string {
	m := componentInfoRe.FindStringSubmatch(out)
	if len(m) < 2 {
		return ""
	}
	return expandComponent(strings.TrimSpace(m[1]))
}

// expandComponent turns "pkg/.Act" into "pkg/pkg.Act".
func expandComponent(c string) string {
	pkg, act, ok := strings.Cut(c, "/")
	if !ok {
		return c
	}
	if strings.HasPrefix(act, ".") {
		act = pkg + act
	}
	return pkg + "/" + act
}
