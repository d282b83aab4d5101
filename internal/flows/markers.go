package flows

import "guildbot/internal/vision"

// Marker is a template expected inside a fixed screen region.
// Coordinates are for the 900x1600 portrait layout the emulators run.
type Marker struct {
	ID     string
	Region vision.Region
}

func reg(x1, y1, x2, y2 int) vision.Region { return vision.Region{X1: x1, Y1: y1, X2: x2, Y2: y2} }

// Login screen.
var (
	MarkClearEmail     = Marker{"login/clear_email_x", reg(645, 556, 751, 731)}
	MarkEmailEmpty     = Marker{"login/email_empty", reg(146, 586, 756, 720)}
	MarkClearPassword  = Marker{"login/clear_password_x", reg(645, 688, 750, 881)}
	MarkPasswordEmpty  = Marker{"login/password_empty", reg(146, 701, 755, 820)}
	MarkLoginButton    = Marker{"login/login_button", reg(156, 846, 761, 951)}
	MarkLoggedIn       = Marker{"login/da_dang_nhap", reg(418, 971, 650, 1068)}
	MarkConfirmLogin   = Marker{"login/xac_nhan_dang_nhap", reg(283, 875, 626, 998)}
	MarkEnterGame      = Marker{"login/game_login_button", reg(318, 1183, 590, 1308)}
	MarkOfflineConfirm = Marker{"login/xac_nhan_offline", reg(511, 1253, 790, 1363)}
	MarkGuildIcon      = Marker{"login/icon_lien_minh", reg(598, 1463, 753, 1600)}
	MarkNotice         = Marker{"login/thong-bao", reg(315, 228, 620, 375)}
	MarkServerLabel    = Marker{"login/server_label", reg(250, 1040, 650, 1110)}
)

// Account menu.
var (
	MarkAvatar        = Marker{"logout/avatar", reg(0, 0, 170, 170)}
	MarkSettings      = Marker{"logout/settings", reg(600, 1300, 900, 1480)}
	MarkSwitchAccount = Marker{"logout/switch_account", reg(200, 900, 700, 1120)}
	MarkLogoutConfirm = Marker{"logout/confirm", reg(460, 950, 760, 1100)}
)

// Guild hall and its sub-screens.
var (
	MarkGuildHall       = Marker{"guild/hall", reg(300, 60, 600, 170)}
	MarkGuildJoinList   = Marker{"guild/join_list", reg(250, 60, 650, 180)}
	MarkGuildApply      = Marker{"guild/apply", reg(640, 300, 880, 1400)}
	MarkBuildEntry      = Marker{"guild/build_entry", reg(80, 500, 420, 820)}
	MarkBuildDonate     = Marker{"guild/build_donate", reg(250, 1150, 650, 1300)}
	MarkBuildDone       = Marker{"guild/build_done", reg(200, 600, 700, 900)}
	MarkExpeditionEntry = Marker{"guild/expedition_entry", reg(480, 500, 840, 820)}
	MarkExpeditionUI    = Marker{"guild/expedition_ui", reg(250, 40, 650, 180)}
	MarkExpeditionFight = Marker{"guild/expedition_fight", reg(300, 1250, 600, 1420)}
	MarkGuildInfo       = Marker{"guild/info", reg(20, 1380, 260, 1580)}
	MarkGuildLeave      = Marker{"guild/leave", reg(560, 1250, 880, 1400)}
	MarkGuildLeaveOK    = Marker{"guild/leave_confirm", reg(460, 950, 760, 1100)}
	MarkBlessEntry      = Marker{"bless/entry", reg(20, 200, 200, 420)}
	MarkBlessSearch     = Marker{"bless/search_box", reg(100, 180, 700, 280)}
	MarkBlessSearchGo   = Marker{"bless/search_go", reg(680, 180, 880, 280)}
	MarkBlessResultName = Marker{"bless/result_row", reg(60, 320, 840, 460)}
	MarkBlessButton     = Marker{"bless/bless_button", reg(620, 320, 860, 460)}
	MarkBlessDone       = Marker{"bless/bless_done", reg(200, 650, 700, 950)}
	MarkGenericClose    = Marker{"common/close_x", reg(760, 40, 900, 200)}
)

// Fixed taps.
var (
	preLoginTaps = []vision.Point{{X: 690, Y: 650}, {X: 693, Y: 758}, {X: 690, Y: 650}}
	noticeClose  = vision.Point{X: 443, Y: 1300}
)

// AllMarkers lists every template a run may need, for startup preloading.
func AllMarkers() []Marker {
	return []Marker{
		MarkClearEmail, MarkEmailEmpty, MarkClearPassword, MarkPasswordEmpty, MarkLoginButton,
		MarkLoggedIn, MarkConfirmLogin, MarkEnterGame, MarkOfflineConfirm, MarkGuildIcon, MarkNotice,
		MarkServerLabel,
		MarkAvatar, MarkSettings, MarkSwitchAccount, MarkLogoutConfirm,
		MarkGuildHall, MarkGuildJoinList, MarkGuildApply,
		MarkBuildEntry, MarkBuildDonate, MarkBuildDone,
		MarkExpeditionEntry, MarkExpeditionUI, MarkExpeditionFight,
		MarkGuildInfo, MarkGuildLeave, MarkGuildLeaveOK,
		MarkBlessEntry, MarkBlessSearch, MarkBlessSearchGo, MarkBlessResultName, MarkBlessButton, MarkBlessDone,
		MarkGenericClose,
	}
}
