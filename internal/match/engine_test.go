package match

import (
	"context"
	"errors"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/park285/gridduel-server/internal/notify"
	"github.com/park285/gridduel-server/internal/repo"
	"github.com/park285/gridduel-server/internal/session"
)

type fakeUsers struct {
	byID map[string]repo.User
}

func (f *fakeUsers) GetUsersByIDs(_ context.Context, ids []string) ([]repo.User, error) {
	var out []repo.User
	for _, id := range ids {
		if u, ok := f.byID[id]; ok {
			out = append(out, u)
		}
	}
	return out, nil
}

func newTestEngine(t *testing.T, users *fakeUsers) (*Engine, *miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(func() { mr.Close() })
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	if users == nil {
		users = &fakeUsers{byID: map[string]repo.User{}}
	}
	e := NewEngine(rdb, session.NewStore(rdb), users, Config{})
	e.randFloat = func() float64 { return 0.5 } // no jitter
	return e, mr, rdb
}

func knownUsers(ids ...string) *fakeUsers {
	f := &fakeUsers{byID: map[string]repo.User{}}
	for _, id := range ids {
		f.byID[id] = repo.User{ID: id, DisplayName: "player " + id, Rating: 1000}
	}
	return f
}

func TestJoinQueueWaitsAlone(t *testing.T) {
	e, _, rdb := newTestEngine(t, knownUsers("u1"))
	ctx := context.Background()

	res, err := e.JoinQueue(ctx, "u1", "casual_1v1", 1000, nil)
	if err != nil {
		t.Fatalf("JoinQueue: %v", err)
	}
	if res.MatchFound {
		t.Fatalf("solo join must not match")
	}
	if res.EstimatedWait <= 0 {
		t.Fatalf("want positive wait estimate, got %d", res.EstimatedWait)
	}
	if n, _ := rdb.Exists(ctx, keyEntry("casual_1v1", "u1")).Result(); n != 1 {
		t.Fatalf("queue entry missing")
	}
	if size, _ := rdb.ZCard(ctx, keyIndex("casual_1v1")).Result(); size != 1 {
		t.Fatalf("queue index size: %d", size)
	}
}

func TestJoinQueueRejectsDuplicates(t *testing.T) {
	e, _, _ := newTestEngine(t, knownUsers("u1"))
	ctx := context.Background()

	if _, err := e.JoinQueue(ctx, "u1", "casual_1v1", 1000, nil); err != nil {
		t.Fatalf("first join: %v", err)
	}
	// another mode makes no difference, one entry per user
	_, err := e.JoinQueue(ctx, "u1", "ranked_1v1", 1000, nil)
	if !errors.Is(err, ErrAlreadyQueued) {
		t.Fatalf("want ErrAlreadyQueued, got %v", err)
	}
}

func TestJoinQueueUnknownMode(t *testing.T) {
	e, _, _ := newTestEngine(t, knownUsers("u1"))
	_, err := e.JoinQueue(context.Background(), "u1", "blitz_9p", 1000, nil)
	if !errors.Is(err, ErrUnknownMode) {
		t.Fatalf("want ErrUnknownMode, got %v", err)
	}
}

func TestMatchFormationIsAtomic(t *testing.T) {
	e, _, rdb := newTestEngine(t, knownUsers("u1", "u2"))
	ctx := context.Background()

	var matched *session.Session
	e.SetOnMatched(func(s *session.Session) { matched = s })

	if _, err := e.JoinQueue(ctx, "u1", "ranked_1v1", 1000, nil); err != nil {
		t.Fatalf("join u1: %v", err)
	}
	res, err := e.JoinQueue(ctx, "u2", "ranked_1v1", 1050, nil)
	if err != nil {
		t.Fatalf("join u2: %v", err)
	}
	if !res.MatchFound || res.Session == nil {
		t.Fatalf("expected a match, got %+v", res)
	}
	sess := res.Session
	if sess.Status != session.StatusWaiting || !sess.Ranked || len(sess.Players) != 2 {
		t.Fatalf("bad session: %+v", sess)
	}
	if !sess.HasPlayer("u1") || !sess.HasPlayer("u2") {
		t.Fatalf("session players wrong: %+v", sess.Players)
	}
	if matched == nil || matched.ID != sess.ID {
		t.Fatalf("onMatched not invoked with the session")
	}

	// every queue artifact for both users is gone
	for _, uid := range []string{"u1", "u2"} {
		if n, _ := rdb.Exists(ctx, keyEntry("ranked_1v1", uid)).Result(); n != 0 {
			t.Fatalf("entry for %s survived the match", uid)
		}
		if n, _ := rdb.Exists(ctx, keyGuard(uid)).Result(); n != 0 {
			t.Fatalf("guard for %s survived the match", uid)
		}
	}
	if size, _ := rdb.ZCard(ctx, keyIndex("ranked_1v1")).Result(); size != 0 {
		t.Fatalf("queue index not emptied: %d", size)
	}

	// the session record was created in the same transaction
	stored, err := session.NewStore(rdb).Get(ctx, sess.ID)
	if err != nil || stored == nil {
		t.Fatalf("session not persisted: %+v err=%v", stored, err)
	}

	// one match_found event per matched player
	if n, _ := rdb.XLen(ctx, notify.StreamMatchFound).Result(); n != 2 {
		t.Fatalf("want 2 match events, got %d", n)
	}
}

func TestRatingWindowExcludesFarOpponents(t *testing.T) {
	e, _, rdb := newTestEngine(t, knownUsers("u1", "u2"))
	ctx := context.Background()

	if _, err := e.JoinQueue(ctx, "u1", "ranked_1v1", 1000, nil); err != nil {
		t.Fatalf("join u1: %v", err)
	}
	res, err := e.JoinQueue(ctx, "u2", "ranked_1v1", 1200, nil)
	if err != nil {
		t.Fatalf("join u2: %v", err)
	}
	if res.MatchFound {
		t.Fatalf("200-point gap must not match")
	}
	if size, _ := rdb.ZCard(ctx, keyIndex("ranked_1v1")).Result(); size != 2 {
		t.Fatalf("both players should stay queued, index size %d", size)
	}
}

func TestOldestCompatibleOpponentWins(t *testing.T) {
	e, _, rdb := newTestEngine(t, knownUsers("u1", "u2", "u3"))
	ctx := context.Background()

	// u1 and u2 are 200 apart so they never match each other; u3 fits both
	if _, err := e.JoinQueue(ctx, "u1", "casual_1v1", 900, nil); err != nil {
		t.Fatalf("join u1: %v", err)
	}
	time.Sleep(5 * time.Millisecond)
	if _, err := e.JoinQueue(ctx, "u2", "casual_1v1", 1100, nil); err != nil {
		t.Fatalf("join u2: %v", err)
	}
	time.Sleep(5 * time.Millisecond)

	res, err := e.JoinQueue(ctx, "u3", "casual_1v1", 1000, nil)
	if err != nil {
		t.Fatalf("join u3: %v", err)
	}
	if !res.MatchFound {
		t.Fatalf("u3 should match immediately")
	}
	if !res.Session.HasPlayer("u1") {
		t.Fatalf("oldest compatible player skipped: %+v", res.Session.Players)
	}
	// u2 keeps waiting
	if n, _ := rdb.Exists(ctx, keyEntry("casual_1v1", "u2")).Result(); n != 1 {
		t.Fatalf("u2 entry should survive")
	}
}

func TestIdentityResolutionFailureAborts(t *testing.T) {
	// u2 exists in the queue but has no identity record
	e, _, rdb := newTestEngine(t, knownUsers("u1"))
	ctx := context.Background()

	if _, err := e.JoinQueue(ctx, "u1", "casual_1v1", 1000, nil); err != nil {
		t.Fatalf("join u1: %v", err)
	}
	_, err := e.JoinQueue(ctx, "u2", "casual_1v1", 1000, nil)
	if !errors.Is(err, ErrIdentityResolution) {
		t.Fatalf("want ErrIdentityResolution, got %v", err)
	}
	// the attempt left both queue entries intact
	for _, uid := range []string{"u1", "u2"} {
		if n, _ := rdb.Exists(ctx, keyEntry("casual_1v1", uid)).Result(); n != 1 {
			t.Fatalf("entry for %s lost in aborted match", uid)
		}
	}
}

func TestCancelQueue(t *testing.T) {
	e, _, rdb := newTestEngine(t, knownUsers("u1"))
	ctx := context.Background()

	if _, err := e.JoinQueue(ctx, "u1", "casual_1v1", 1000, nil); err != nil {
		t.Fatalf("join: %v", err)
	}
	if err := e.CancelQueue(ctx, "u1"); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if n, _ := rdb.Exists(ctx, keyEntry("casual_1v1", "u1"), keyGuard("u1")).Result(); n != 0 {
		t.Fatalf("cancel left queue keys behind")
	}
	if n, _ := rdb.XLen(ctx, notify.StreamMatchCancelled).Result(); n != 1 {
		t.Fatalf("want 1 cancellation event, got %d", n)
	}

	if err := e.CancelQueue(ctx, "u1"); !errors.Is(err, ErrNotInQueue) {
		t.Fatalf("second cancel: want ErrNotInQueue, got %v", err)
	}
}

func TestStatus(t *testing.T) {
	e, _, _ := newTestEngine(t, knownUsers("u1"))
	ctx := context.Background()

	st, err := e.Status(ctx, "u1")
	if err != nil || st.InQueue {
		t.Fatalf("unqueued status: %+v err=%v", st, err)
	}

	if _, err := e.JoinQueue(ctx, "u1", "free_4p", 1000, nil); err != nil {
		t.Fatalf("join: %v", err)
	}
	st, err = e.Status(ctx, "u1")
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if !st.InQueue || st.GameMode != "free_4p" || st.EstimatedWait <= 0 {
		t.Fatalf("queued status wrong: %+v", st)
	}
	if st.Position != 1 {
		t.Fatalf("sole queued player should be position 1, got %d", st.Position)
	}
}

func TestSweepPrunesGhostMembers(t *testing.T) {
	e, _, rdb := newTestEngine(t, knownUsers("u1"))
	ctx := context.Background()

	if _, err := e.JoinQueue(ctx, "u1", "casual_1v1", 1000, nil); err != nil {
		t.Fatalf("join: %v", err)
	}
	// an index member whose entry is gone, plus a guard pointing elsewhere
	if err := rdb.ZAdd(ctx, keyIndex("casual_1v1"), redis.Z{Score: 1, Member: "ghost"}).Err(); err != nil {
		t.Fatalf("seed ghost: %v", err)
	}
	if err := rdb.Set(ctx, keyGuard("ghost"), "ranked_1v1", time.Minute).Err(); err != nil {
		t.Fatalf("seed guard: %v", err)
	}

	e.SweepOnce(ctx)

	if size, _ := rdb.ZCard(ctx, keyIndex("casual_1v1")).Result(); size != 1 {
		t.Fatalf("sweep should leave only the live member, size %d", size)
	}
	// the ghost's guard belongs to another mode and must survive
	if n, _ := rdb.Exists(ctx, keyGuard("ghost")).Result(); n != 1 {
		t.Fatalf("sweep deleted a foreign guard")
	}
	if n, _ := rdb.Exists(ctx, keyGuard("u1")).Result(); n != 1 {
		t.Fatalf("sweep deleted a live guard")
	}
}

func TestEstimateWaitScalesWithQueueSize(t *testing.T) {
	e, _, _ := newTestEngine(t, nil)
	if got := e.estimateWait(0); got != 30 {
		t.Fatalf("empty queue: want 30, got %d", got)
	}
	if got := e.estimateWait(4); got != 90 {
		t.Fatalf("four queued: want 90, got %d", got)
	}
}
