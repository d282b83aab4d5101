package flows

import (
	"context"
	"errors"
	"image"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"guildbot/internal/device"
	"guildbot/internal/vision"
	logx "guildbot/pkg/logx"
)

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.now = c.now.Add(d)
	return nil
}

// screen is a scripted game: markers are visible by id and taps on a
// marker's region center run the attached transition. Text boxes keep their
// content between taps; typed records the focused box after each input.
type screen struct {
	visible map[string]bool
	state   device.GameState
	onTap   map[string]func(s *screen)
	ocr     func(s *screen) string

	focus  string
	fields map[string]string

	taps  []vision.Point
	typed []string
	keys  []int

	afterType func(s *screen)
}

func newScreen(state device.GameState, visible ...Marker) *screen {
	s := &screen{visible: map[string]bool{}, state: state, onTap: map[string]func(*screen){}, fields: map[string]string{}}
	s.show(visible...)
	return s
}

func (s *screen) show(ms ...Marker) {
	for _, m := range ms {
		s.visible[m.ID] = true
	}
}

func (s *screen) hide(ms ...Marker) {
	for _, m := range ms {
		delete(s.visible, m.ID)
	}
}

func (s *screen) when(m Marker, fn func(s *screen)) { s.onTap[m.ID] = fn }

func (s *screen) Tap(ctx context.Context, x, y int) error {
	p := vision.Point{X: x, Y: y}
	s.taps = append(s.taps, p)
	for _, m := range AllMarkers() {
		if m.Region.Center() == p {
			switch m.ID {
			case MarkEmailEmpty.ID, MarkPasswordEmpty.ID, MarkBlessSearch.ID:
				s.focus = m.ID
			case MarkClearEmail.ID:
				s.fields[MarkEmailEmpty.ID] = ""
			case MarkClearPassword.ID:
				s.fields[MarkPasswordEmpty.ID] = ""
			}
			if fn := s.onTap[m.ID]; fn != nil {
				fn(s)
			}
		}
	}
	return nil
}

func (s *screen) Swipe(context.Context, int, int, int, int, time.Duration) error { return nil }

func (s *screen) TypeText(ctx context.Context, text string) error {
	s.fields[s.focus] += text
	s.typed = append(s.typed, s.fields[s.focus])
	if s.afterType != nil {
		s.afterType(s)
	}
	return nil
}

func (s *screen) KeyEvent(ctx context.Context, code int) error {
	s.keys = append(s.keys, code)
	if code == device.KeyDel {
		if v := []rune(s.fields[s.focus]); len(v) > 0 {
			s.fields[s.focus] = string(v[:len(v)-1])
		}
	}
	return nil
}

func (s *screen) CaptureFrame(context.Context) (image.Image, error) {
	return image.NewGray(image.Rect(0, 0, 1, 1)), nil
}

func (s *screen) IsAppForeground(context.Context, string) (bool, error) { return true, nil }

func (s *screen) LaunchApp(context.Context, string, string) (bool, error) { return true, nil }

func (s *screen) ConnectionState(context.Context) (device.ConnState, error) {
	return device.Online, nil
}

func (s *screen) State(context.Context) (device.GameState, error) { return s.state, nil }

func (s *screen) MatchTemplate(_ context.Context, _ image.Image, id string, region vision.Region, _ float64) (vision.Match, error) {
	if s.visible[id] {
		return vision.Match{Found: true, At: region.Center(), Score: 0.97}, nil
	}
	return vision.Match{Score: 0.2}, nil
}

func (s *screen) OCRRegion(context.Context, image.Image, vision.Region, string) (string, error) {
	if s.ocr == nil {
		return "", vision.ErrOCRUnavailable
	}
	return s.ocr(s), nil
}

func newTestRunner(s *screen) *Runner {
	r := New(s, s, s, Config{}, logx.Nop())
	return r.WithClock(&fakeClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)})
}

func TestLoginHappyPath(t *testing.T) {
	s := newScreen(device.StateNeedsLogin, MarkLoginButton)
	s.when(MarkLoginButton, func(s *screen) { s.show(MarkLoggedIn, MarkEnterGame) })
	s.when(MarkEnterGame, func(s *screen) {
		s.hide(MarkLoggedIn, MarkEnterGame)
		s.state = device.StateInGame
		s.show(MarkGuildIcon)
	})

	err := newTestRunner(s).Login(context.Background(), Credentials{Identity: "a@x.io", Secret: "pw"})
	require.NoError(t, err)
	assert.Equal(t, []string{"a@x.io", "pw"}, s.typed)
	assert.Equal(t, preLoginTaps, s.taps[:3])
	assert.Empty(t, s.keys, "no back presses when already on the login form")
}

func TestLoginClosesNoticesAndConfirmsOffline(t *testing.T) {
	s := newScreen(device.StateNeedsLogin, MarkLoginButton, MarkClearEmail)
	s.when(MarkLoginButton, func(s *screen) { s.show(MarkNotice) })
	closes := 0
	s.when(MarkEnterGame, func(s *screen) {
		s.hide(MarkLoggedIn, MarkEnterGame)
		s.show(MarkOfflineConfirm)
	})
	s.when(MarkOfflineConfirm, func(s *screen) {
		s.hide(MarkOfflineConfirm)
		s.state = device.StateInGame
		s.show(MarkGuildIcon)
	})

	r := newTestRunner(s)
	// Notice close taps land on a fixed point, not a marker center.
	dev := &noticeScreen{screen: s, onClose: func() {
		closes++
		if closes == 2 {
			s.hide(MarkNotice)
			s.show(MarkLoggedIn, MarkEnterGame)
		}
	}}
	r.dev = dev

	require.NoError(t, r.Login(context.Background(), Credentials{Identity: "b", Secret: "c"}))
	assert.Equal(t, 2, closes)
	assert.Contains(t, s.taps, MarkClearEmail.Region.Center())
}

type noticeScreen struct {
	*screen
	onClose func()
}

func (n *noticeScreen) Tap(ctx context.Context, x, y int) error {
	if (vision.Point{X: x, Y: y}) == noticeClose {
		n.onClose()
	}
	return n.screen.Tap(ctx, x, y)
}

func TestLoginTimesOutWithoutGameScreen(t *testing.T) {
	s := newScreen(device.StateNeedsLogin, MarkLoginButton)
	err := newTestRunner(s).Login(context.Background(), Credentials{Identity: "a", Secret: "b"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTimeout)
	assert.False(t, IsStopped(err))
}

func TestLoginBacksOutWhenNotOnForm(t *testing.T) {
	s := newScreen(device.StateUnknown, MarkLoginButton, MarkServerLabel)
	s.when(MarkLoginButton, func(s *screen) {
		s.state = device.StateInGame
		s.show(MarkGuildIcon)
	})
	s.ocr = func(*screen) string { return "S12 Rồng" }
	require.NoError(t, newTestRunner(s).Login(context.Background(), Credentials{Identity: "a", Secret: "b", Server: "s12"}))
	assert.Equal(t, []int{device.KeyBack, device.KeyBack}, s.keys)
}

func TestStopHaltsFurtherActions(t *testing.T) {
	s := newScreen(device.StateNeedsLogin, MarkLoginButton)
	ctx, cancel := context.WithCancel(context.Background())
	s.afterType = func(*screen) { cancel() }

	err := newTestRunner(s).Login(ctx, Credentials{Identity: "a", Secret: "b"})
	require.Error(t, err)
	assert.True(t, IsStopped(err))
	assert.Len(t, s.typed, 1)
	assert.Len(t, s.taps, 4, "three pre-login taps plus the email box, nothing after the stop")
}

func TestStoppedBeforeStart(t *testing.T) {
	s := newScreen(device.StateInGame, MarkAvatar)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := newTestRunner(s).Logout(ctx, 7)
	assert.True(t, IsStopped(err))
	assert.Empty(t, s.taps)
}

func TestLogout(t *testing.T) {
	t.Run("already on form", func(t *testing.T) {
		s := newScreen(device.StateNeedsLogin)
		require.NoError(t, newTestRunner(s).Logout(context.Background(), 7))
		assert.Empty(t, s.taps)
		assert.Empty(t, s.keys)
	})

	t.Run("menu walk", func(t *testing.T) {
		s := newScreen(device.StateInGame, MarkAvatar)
		s.when(MarkAvatar, func(s *screen) { s.show(MarkSettings) })
		s.when(MarkSettings, func(s *screen) { s.show(MarkSwitchAccount) })
		s.when(MarkSwitchAccount, func(s *screen) {
			s.hide(MarkAvatar, MarkSettings, MarkSwitchAccount)
			s.state = device.StateNeedsLogin
		})
		require.NoError(t, newTestRunner(s).Logout(context.Background(), 7))
		assert.Len(t, s.taps, 3)
	})

	t.Run("gives up after max rounds", func(t *testing.T) {
		s := newScreen(device.StateUnknown)
		err := newTestRunner(s).Logout(context.Background(), 3)
		assert.ErrorIs(t, err, ErrTimeout)
		assert.Len(t, s.keys, 3)
	})
}

func TestJoinGuildAppliesFromList(t *testing.T) {
	s := newScreen(device.StateInGame, MarkGuildIcon)
	s.when(MarkGuildIcon, func(s *screen) { s.show(MarkGuildJoinList, MarkGuildApply) })
	s.when(MarkGuildApply, func(s *screen) {
		s.hide(MarkGuildJoinList, MarkGuildApply)
		s.show(MarkGuildHall, MarkGenericClose)
	})
	require.NoError(t, newTestRunner(s).JoinGuild(context.Background()))
	assert.Contains(t, s.taps, MarkGenericClose.Region.Center())
}

func TestJoinGuildAlreadyMember(t *testing.T) {
	s := newScreen(device.StateInGame, MarkGuildIcon)
	s.when(MarkGuildIcon, func(s *screen) { s.show(MarkGuildHall) })
	require.NoError(t, newTestRunner(s).JoinGuild(context.Background()))
	assert.NotContains(t, s.taps, MarkGuildApply.Region.Center())
	assert.Equal(t, []int{device.KeyBack}, s.keys)
}

func TestBuildRequiresConfirmation(t *testing.T) {
	s := newScreen(device.StateInGame, MarkBuildEntry, MarkBuildDonate)
	err := newTestRunner(s).Build(context.Background())
	assert.ErrorIs(t, err, ErrTimeout)

	s = newScreen(device.StateInGame, MarkBuildEntry, MarkBuildDonate)
	s.when(MarkBuildDonate, func(s *screen) { s.show(MarkBuildDone) })
	assert.NoError(t, newTestRunner(s).Build(context.Background()))
}

func TestExpeditionSucceedsOnceScreenReached(t *testing.T) {
	s := newScreen(device.StateInGame, MarkExpeditionEntry)
	s.when(MarkExpeditionEntry, func(s *screen) { s.show(MarkExpeditionUI) })
	require.NoError(t, newTestRunner(s).Expedition(context.Background()))
	assert.NotContains(t, s.taps, MarkExpeditionFight.Region.Center())

	s = newScreen(device.StateInGame, MarkExpeditionEntry)
	assert.ErrorIs(t, newTestRunner(s).Expedition(context.Background()), ErrTimeout)
}

func TestLeaveGuildVerifiesExit(t *testing.T) {
	s := newScreen(device.StateInGame, MarkGuildHall, MarkGuildInfo, MarkGuildLeave, MarkGuildLeaveOK)
	s.when(MarkGuildLeaveOK, func(s *screen) {
		s.hide(MarkGuildHall, MarkGuildInfo, MarkGuildLeave, MarkGuildLeaveOK)
		s.show(MarkGuildIcon)
	})
	require.NoError(t, newTestRunner(s).LeaveGuild(context.Background()))

	stuck := newScreen(device.StateInGame, MarkGuildHall, MarkGuildInfo, MarkGuildLeave, MarkGuildLeaveOK)
	assert.ErrorIs(t, newTestRunner(stuck).LeaveGuild(context.Background()), ErrTimeout)
}

func TestBlessVerifiesResultName(t *testing.T) {
	s := newScreen(device.StateInGame,
		MarkBlessEntry, MarkBlessSearch, MarkBlessSearchGo, MarkBlessResultName, MarkBlessButton, MarkBlessDone)
	s.ocr = func(s *screen) string {
		last := s.typed[len(s.typed)-1]
		if last == "Ghost" {
			return "Somebody Else"
		}
		return "  Lv.80   " + last + "  "
	}

	got, err := newTestRunner(s).Bless(context.Background(), []string{"Rồng Đỏ", "Ghost", "Mây"})
	require.NoError(t, err)
	assert.Equal(t, []string{"Rồng Đỏ", "Mây"}, got)
}

func TestBlessClearsSearchBetweenTargets(t *testing.T) {
	s := newScreen(device.StateInGame,
		MarkBlessEntry, MarkBlessSearch, MarkBlessSearchGo, MarkBlessResultName, MarkBlessButton, MarkBlessDone)
	s.fields[MarkBlessSearch.ID] = "old query"
	s.ocr = func(s *screen) string { return s.fields[MarkBlessSearch.ID] }

	got, err := newTestRunner(s).Bless(context.Background(), []string{"Thành Cổ Đại Lục Phía Bắc", "B"})
	require.NoError(t, err)
	assert.Equal(t, []string{"Thành Cổ Đại Lục Phía Bắc", "B"}, got)
	assert.Equal(t, []string{"Thành Cổ Đại Lục Phía Bắc", "B"}, s.typed, "each search starts from an empty box")
	assert.Equal(t, device.KeyMoveEnd, s.keys[0])
}

func TestBlessReturnsPartialOnStop(t *testing.T) {
	s := newScreen(device.StateInGame,
		MarkBlessEntry, MarkBlessSearch, MarkBlessSearchGo, MarkBlessResultName, MarkBlessButton, MarkBlessDone)
	ctx, cancel := context.WithCancel(context.Background())
	s.when(MarkBlessDone, func(s *screen) {
		if len(s.typed) == 1 {
			cancel()
		}
	})

	got, err := newTestRunner(s).Bless(ctx, []string{"one", "two"})
	assert.True(t, IsStopped(err))
	assert.Equal(t, []string{"one"}, got)
	assert.Len(t, s.typed, 1)
}

func TestWaitAnyReportsFirstVisible(t *testing.T) {
	s := newScreen(device.StateInGame, MarkGuildJoinList, MarkGuildHall)
	idx, res, err := newTestRunner(s).waitAny(context.Background(), time.Second, MarkGuildHall, MarkGuildJoinList)
	require.NoError(t, err)
	assert.Equal(t, 0, idx)
	assert.Equal(t, MarkGuildHall.Region.Center(), res.At)

	_, _, err = newTestRunner(newScreen(device.StateInGame)).waitAny(context.Background(), time.Second, MarkGuildHall)
	assert.True(t, errors.Is(err, ErrTimeout))
}

func TestContainsFold(t *testing.T) {
	assert.True(t, containsFold("Máy chủ:  S12   Rồng", "s12 rồng"))
	assert.False(t, containsFold("abc", ""))
	assert.False(t, containsFold("abc", "abd"))
}
