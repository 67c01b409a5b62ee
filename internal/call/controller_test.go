package call

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/petervdpas/peercall/internal/media"
	"github.com/petervdpas/peercall/internal/rtc"
	"github.com/petervdpas/peercall/internal/session"
	"github.com/petervdpas/peercall/internal/signal"
)

func newTestController(t *testing.T, conn *fakeConn, ch *fakeChannel, dev *fakeDevice) (*Controller, *session.Store) {
	t.Helper()
	store := session.NewStore()
	ctrl := NewController(store, ch, media.NewService(dev), fakeFactory(conn), nil, ControllerOptions{
		ScreenQuality: media.QualityMedium,
	})
	t.Cleanup(func() { ctrl.Close() })
	return ctrl, store
}

func TestJoinRoomHappyPath(t *testing.T) {
	conn := newFakeConn()
	ch := newFakeChannel("u1")
	ctrl, store := newTestController(t, conn, ch, &fakeDevice{})

	if err := ctrl.JoinRoom(context.Background(), "ABC123", "Alice"); err != nil {
		t.Fatal(err)
	}

	st := store.State()
	if st.Status != session.StatusConnected || !st.Connected {
		t.Fatalf("expected connected, got %s", st.Status)
	}
	if !st.InCall {
		t.Fatal("expected in-call")
	}
	if st.LocalStream == nil || len(st.LocalStream.Tracks()) != 2 {
		t.Fatal("local stream not populated")
	}
	if st.RoomID != "ABC123" || st.Username != "Alice" {
		t.Fatalf("identity not stored: %q/%q", st.RoomID, st.Username)
	}

	// The engine is live and carries the local tracks.
	if len(conn.Senders()) != 2 {
		t.Fatalf("expected 2 senders, got %d", len(conn.Senders()))
	}
	ch.mu.Lock()
	joins := len(ch.joins)
	ch.mu.Unlock()
	if joins != 1 {
		t.Fatalf("expected 1 join announcement, got %d", joins)
	}
}

func TestJoinRoomMediaDeniedRollsBack(t *testing.T) {
	conn := newFakeConn()
	ch := newFakeChannel("u1")
	ctrl, store := newTestController(t, conn, ch, &fakeDevice{denyPermission: true})

	err := ctrl.JoinRoom(context.Background(), "ABC123", "Alice")
	if err == nil {
		t.Fatal("expected join to fail")
	}

	st := store.State()
	if st.InCall {
		t.Fatal("must not be in call after media denial")
	}
	if st.LocalStream != nil {
		t.Fatal("no local stream may survive the rollback")
	}
	if st.ErrorMessage == "" {
		t.Fatal("a user-facing error must be surfaced")
	}
	ch.mu.Lock()
	joins := len(ch.joins)
	ch.mu.Unlock()
	if joins != 0 {
		t.Fatal("join must not be announced after rollback")
	}
}

func TestJoinRoomRejectsBadInput(t *testing.T) {
	conn := newFakeConn()
	ch := newFakeChannel("u1")
	ctrl, _ := newTestController(t, conn, ch, &fakeDevice{})

	if err := ctrl.JoinRoom(context.Background(), "room with spaces", "Alice"); err == nil {
		t.Fatal("expected room id validation to fail")
	}
	if err := ctrl.JoinRoom(context.Background(), "ABC123", ""); err == nil {
		t.Fatal("expected username validation to fail")
	}
}

func TestBobJoinsTriggersOfferToU2(t *testing.T) {
	conn := newFakeConn()
	ch := newFakeChannel("u1")
	ctrl, _ := newTestController(t, conn, ch, &fakeDevice{})

	if err := ctrl.JoinRoom(context.Background(), "ABC123", "Alice"); err != nil {
		t.Fatal(err)
	}

	ch.emit(signal.RoomState{Users: []signal.Participant{
		{UserID: "u1", Username: "Alice", IsCreator: true},
	}, IsCreator: true})
	ch.emit(signal.UserJoined{UserID: "u2", Username: "Bob"})

	if !waitFor(offerSettleDelay+2*time.Second, func() bool { return ch.offerCount() >= 1 }) {
		t.Fatal("no offer after Bob joined")
	}
	ch.mu.Lock()
	target := ch.offers[0].target
	ch.mu.Unlock()
	if target != "u2" {
		t.Fatalf("expected offer target u2, got %s", target)
	}
}

func TestLeaveRoomResetsAndStopsTracks(t *testing.T) {
	conn := newFakeConn()
	ch := newFakeChannel("u1")
	ctrl, store := newTestController(t, conn, ch, &fakeDevice{})

	if err := ctrl.JoinRoom(context.Background(), "ABC123", "Alice"); err != nil {
		t.Fatal(err)
	}
	local := store.State().LocalStream

	ctrl.LeaveRoom()

	st := store.State()
	if st.InCall || st.LocalStream != nil || st.ScreenStream != nil {
		t.Fatal("call state survived leave")
	}
	if st.RoomID != "ABC123" || st.Username != "Alice" {
		t.Fatal("identity must survive leave")
	}
	if !conn.closed {
		t.Fatal("engine connection not closed")
	}
	for _, tr := range local.Tracks() {
		if !tr.Stopped() {
			t.Fatalf("track %s not stopped", tr.ID())
		}
	}

	// Leaving again must be harmless.
	ctrl.LeaveRoom()
}

func TestToggleMuteAndCamera(t *testing.T) {
	conn := newFakeConn()
	ch := newFakeChannel("u1")
	ctrl, store := newTestController(t, conn, ch, &fakeDevice{})

	if err := ctrl.JoinRoom(context.Background(), "ABC123", "Alice"); err != nil {
		t.Fatal(err)
	}

	if !ctrl.ToggleMute() {
		t.Fatal("expected muted after first toggle")
	}
	for _, tr := range store.State().LocalStream.AudioTracks() {
		if tr.Enabled() {
			t.Fatal("audio track still enabled while muted")
		}
	}
	if ctrl.ToggleMute() {
		t.Fatal("expected unmuted after second toggle")
	}

	if !ctrl.ToggleCamera() {
		t.Fatal("expected camera off after first toggle")
	}
	for _, tr := range store.State().LocalStream.VideoTracks() {
		if tr.Enabled() {
			t.Fatal("video track still enabled while camera off")
		}
	}
}

func TestScreenSharingUnsupportedFailsFast(t *testing.T) {
	conn := newFakeConn()
	ch := newFakeChannel("u1")
	dev := &fakeDevice{screenErr: errors.New("screen capture not supported on this platform")}
	ctrl, store := newTestController(t, conn, ch, dev)

	if err := ctrl.JoinRoom(context.Background(), "ABC123", "Alice"); err != nil {
		t.Fatal(err)
	}
	sendersBefore := len(conn.Senders())

	if err := ctrl.StartScreenSharing(context.Background()); err == nil {
		t.Fatal("expected screen sharing to fail")
	}

	st := store.State()
	if st.ScreenSharing || st.ScreenStream != nil {
		t.Fatal("screen state must not change on unsupported device")
	}
	if st.ErrorMessage == "" {
		t.Fatal("expected a descriptive error message")
	}
	if len(conn.Senders()) != sendersBefore {
		t.Fatal("no track replacement may be attempted")
	}
	ch.mu.Lock()
	starts := ch.shareStarts
	ch.mu.Unlock()
	if starts != 0 {
		t.Fatal("share must not be announced")
	}
}

func TestScreenSharingRoundTrip(t *testing.T) {
	conn := newFakeConn()
	ch := newFakeChannel("u1")
	ctrl, store := newTestController(t, conn, ch, &fakeDevice{})

	if err := ctrl.JoinRoom(context.Background(), "ABC123", "Alice"); err != nil {
		t.Fatal(err)
	}

	if err := ctrl.StartScreenSharing(context.Background()); err != nil {
		t.Fatal(err)
	}
	st := store.State()
	if !st.ScreenSharing || st.ScreenStream == nil {
		t.Fatal("screen state not set")
	}
	ch.mu.Lock()
	starts := ch.shareStarts
	ch.mu.Unlock()
	if starts != 1 {
		t.Fatal("share start not announced")
	}
	screen := st.ScreenStream

	ctrl.StopScreenSharing()
	st = store.State()
	if st.ScreenSharing || st.ScreenStream != nil {
		t.Fatal("screen state not cleared")
	}
	for _, tr := range screen.Tracks() {
		if !tr.Stopped() {
			t.Fatal("screen track not stopped")
		}
	}
	ch.mu.Lock()
	stops := ch.shareStops
	ch.mu.Unlock()
	if stops != 1 {
		t.Fatal("share stop not announced")
	}

	// Stopping again is a no-op.
	ctrl.StopScreenSharing()
}

func TestSendMessageRequiresChannel(t *testing.T) {
	conn := newFakeConn()
	ch := newFakeChannel("u1")
	ctrl, store := newTestController(t, conn, ch, &fakeDevice{})

	if err := ctrl.SendMessage("hello"); err != nil {
		t.Fatal(err)
	}
	ch.mu.Lock()
	chats := len(ch.chats)
	ch.mu.Unlock()
	if chats != 0 {
		t.Fatal("message sent without a connected channel")
	}

	// No optimistic append either way.
	if len(store.State().Messages) != 0 {
		t.Fatal("message appended without server echo")
	}
}

func TestChatEchoAppendsOnce(t *testing.T) {
	conn := newFakeConn()
	ch := newFakeChannel("u1")
	ctrl, store := newTestController(t, conn, ch, &fakeDevice{})

	if err := ctrl.JoinRoom(context.Background(), "ABC123", "Alice"); err != nil {
		t.Fatal(err)
	}
	if err := ctrl.SendMessage("hello"); err != nil {
		t.Fatal(err)
	}
	if len(store.State().Messages) != 0 {
		t.Fatal("no optimistic append allowed")
	}

	ch.emit(signal.ChatReceived{Message: signal.ChatMessage{
		ID: "m1", UserID: "u1", Username: "Alice", Message: "hello", Timestamp: "12:00",
	}})

	if !waitFor(2*time.Second, func() bool { return len(store.State().Messages) == 1 }) {
		t.Fatal("echoed message not appended")
	}
	msg := store.State().Messages[0]
	if !msg.Delivered || msg.Message != "hello" {
		t.Fatalf("unexpected message: %+v", msg)
	}
}

func TestReconnectLifecycle(t *testing.T) {
	conn := newFakeConn()
	ch := newFakeChannel("u1")
	ctrl, store := newTestController(t, conn, ch, &fakeDevice{})

	if err := ctrl.JoinRoom(context.Background(), "ABC123", "Alice"); err != nil {
		t.Fatal(err)
	}

	ch.emit(signal.Disconnected{Reason: "transport closed"})
	if !waitFor(2*time.Second, func() bool { return store.State().Reconnecting }) {
		t.Fatal("reconnecting flag not set")
	}

	ch.emit(signal.Connected{Attempt: 1})
	if !waitFor(2*time.Second, func() bool {
		st := store.State()
		return !st.Reconnecting && st.Status == session.StatusConnected
	}) {
		t.Fatal("reconnect not reflected in state")
	}

	// The room membership is re-announced under the new connection.
	if !waitFor(2*time.Second, func() bool {
		ch.mu.Lock()
		defer ch.mu.Unlock()
		return len(ch.joins) == 2
	}) {
		t.Fatal("room not rejoined after reconnect")
	}
}

func TestReconnectFailureIsTerminal(t *testing.T) {
	conn := newFakeConn()
	ch := newFakeChannel("u1")
	ctrl, store := newTestController(t, conn, ch, &fakeDevice{})

	if err := ctrl.JoinRoom(context.Background(), "ABC123", "Alice"); err != nil {
		t.Fatal(err)
	}

	ch.emit(signal.Disconnected{Reason: "transport closed"})
	ch.emit(signal.ReconnectFailed{Attempts: 5, Err: errors.New("refused")})

	if !waitFor(2*time.Second, func() bool {
		st := store.State()
		return st.Status == session.StatusError && st.ErrorMessage != "" && !st.Reconnecting
	}) {
		t.Fatal("terminal reconnect failure not surfaced")
	}
}

func TestQualitySampling(t *testing.T) {
	conn := newFakeConn()
	ch := newFakeChannel("u1")
	ctrl, store := newTestController(t, conn, ch, &fakeDevice{})

	if err := ctrl.JoinRoom(context.Background(), "ABC123", "Alice"); err != nil {
		t.Fatal(err)
	}

	cases := []struct {
		connState rtc.ConnectionState
		iceState  rtc.ICEState
		want      session.Quality
	}{
		{rtc.ConnConnected, rtc.ICECompleted, session.QualityExcellent},
		{rtc.ConnConnected, rtc.ICEConnected, session.QualityExcellent},
		{rtc.ConnConnected, rtc.ICENew, session.QualityGood},
		{rtc.ConnConnecting, rtc.ICEConnected, session.QualityGood},
		{rtc.ConnConnecting, rtc.ICEChecking, session.QualityPoor},
		{rtc.ConnFailed, rtc.ICEFailed, session.QualityDisconnected},
	}
	for _, tc := range cases {
		conn.mu.Lock()
		conn.connState = tc.connState
		conn.iceState = tc.iceState
		conn.mu.Unlock()
		ctrl.sampleQuality()
		if got := store.State().Quality; got != tc.want {
			t.Errorf("%s/%s: got %s, want %s", tc.connState, tc.iceState, got, tc.want)
		}
	}

	// A dead channel always reads as disconnected.
	ch.ForceClose()
	ctrl.sampleQuality()
	if got := store.State().Quality; got != session.QualityDisconnected {
		t.Errorf("dead channel: got %s", got)
	}
}

func TestRemoteScreenShareMarkerLifecycle(t *testing.T) {
	conn := newFakeConn()
	ch := newFakeChannel("u1")
	ctrl, store := newTestController(t, conn, ch, &fakeDevice{})

	if err := ctrl.JoinRoom(context.Background(), "ABC123", "Alice"); err != nil {
		t.Fatal(err)
	}

	ch.emit(signal.ScreenShareStarted{UserID: "u2"})
	if !waitFor(2*time.Second, func() bool { return store.State().ScreenSharingUser == "u2" }) {
		t.Fatal("sharer marker not set")
	}

	ch.emit(signal.ScreenShareStopped{UserID: "u2"})
	if !waitFor(2*time.Second, func() bool { return store.State().ScreenSharingUser == "" }) {
		t.Fatal("sharer marker not cleared")
	}
}

func TestKeepAliveIntervalIsConfigurable(t *testing.T) {
	conn := newFakeConn()
	ch := newFakeChannel("u1")
	store := session.NewStore()
	ctrl := NewController(store, ch, media.NewService(&fakeDevice{}), fakeFactory(conn), nil, ControllerOptions{
		ScreenQuality: media.QualityMedium,
		KeepAlive:     20 * time.Millisecond,
	})
	t.Cleanup(func() { ctrl.Close() })

	if err := ctrl.JoinRoom(context.Background(), "ABC123", "Alice"); err != nil {
		t.Fatal(err)
	}

	// With the stock 30s interval no ping would land inside this window.
	if !waitFor(2*time.Second, func() bool {
		ch.mu.Lock()
		defer ch.mu.Unlock()
		return ch.pings >= 2
	}) {
		t.Fatal("configured keep-alive interval not honored")
	}
	if store.State().LastActivity.IsZero() {
		t.Fatal("keep-alive did not record activity")
	}
}

func TestLateScreenShareAnnouncementReroutesTrack(t *testing.T) {
	conn := newFakeConn()
	ch := newFakeChannel("u1")
	ctrl, store := newTestController(t, conn, ch, &fakeDevice{})

	if err := ctrl.JoinRoom(context.Background(), "ABC123", "Alice"); err != nil {
		t.Fatal(err)
	}

	// The screen track arrives before its announcement, so with no sharer
	// marker yet it is filed as camera video.
	conn.onTrack(
		rtc.TrackInfo{ID: "screen-u2", Label: "screen-u2", StreamID: "screen-s2", Kind: media.Video},
		media.NewTrack("screen-u2", "screen-u2", media.Video, nil, nil),
	)
	st := store.State()
	if st.ScreenStream != nil {
		t.Fatal("track classified as screen before the announcement")
	}
	if st.RemoteStream == nil || len(st.RemoteStream.VideoTracks()) != 1 {
		t.Fatal("early track not filed in the remote slot")
	}

	ch.emit(signal.ScreenShareStarted{UserID: "u2"})
	if !waitFor(4*time.Second, func() bool {
		st := store.State()
		return st.ScreenStream != nil && len(st.ScreenStream.VideoTracks()) == 1
	}) {
		t.Fatal("track never rerouted to the screen slot")
	}
	if vids := store.State().RemoteStream.VideoTracks(); len(vids) != 0 {
		t.Fatalf("remote slot still holds %d video tracks", len(vids))
	}
}
