package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/mr-tron/base58"

	"solana-position-engine/internal/jupiter"
)

const (
	testWallet = "WalletAddr1111111111111111111111"
	testSOL    = "So11111111111111111111111111111111111111112"
	testMint   = "MintAAAA1111111111111111111111111111111111"
)

// fakeSwaps serves canned quotes and counts slippage rungs walked
type fakeSwaps struct {
	mu          sync.Mutex
	failBps     map[int]error // Rung -> error, nil entry means success
	quoteCalls  []int
	outAmount   string
	inAmount    string
	failAllWith error
}

func (f *fakeSwaps) GetQuoteWithSlippage(_ context.Context, _, _ string, amount uint64, bps int) (*jupiter.QuoteResponse, error) {
	f.mu.Lock()
	f.quoteCalls = append(f.quoteCalls, bps)
	f.mu.Unlock()

	if f.failAllWith != nil {
		return nil, f.failAllWith
	}
	if err, ok := f.failBps[bps]; ok && err != nil {
		return nil, err
	}
	in := f.inAmount
	if in == "" {
		in = fmt.Sprintf("%d", amount)
	}
	out := f.outAmount
	if out == "" {
		out = "1000000"
	}
	return &jupiter.QuoteResponse{InAmount: in, OutAmount: out, SlippageBps: bps}, nil
}

func (f *fakeSwaps) BuildSwapTransaction(_ context.Context, _ *jupiter.QuoteResponse, _ string) (string, error) {
	return "c2VyaWFsaXplZA==", nil
}

type fakeSigner struct{}

func (fakeSigner) SignSerializedTransaction(tx string) (string, error) { return tx, nil }

// fakeSender returns sequential well-formed signatures
type fakeSender struct {
	mu   sync.Mutex
	n    byte
	sigs []string
	bad  bool // Return a malformed signature
	err  error
}

func (f *fakeSender) SendTransaction(_ context.Context, _ string, _ bool) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	if f.bad {
		return "not-a-signature", nil
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	raw := make([]byte, 64)
	f.n++
	for i := range raw {
		raw[i] = f.n
	}
	sig := base58.Encode(raw)
	f.sigs = append(f.sigs, sig)
	return sig, nil
}

type fakeBalances struct {
	tokens map[string]uint64
	err    error
}

func (f *fakeBalances) GetTokenBalance(_ context.Context, _, mint string) (uint64, error) {
	if f.err != nil {
		return 0, f.err
	}
	return f.tokens[mint], nil
}

type fakeTracker struct {
	mu      sync.Mutex
	tracked []string
}

func (f *fakeTracker) Track(sig, _, _ string) {
	f.mu.Lock()
	f.tracked = append(f.tracked, sig)
	f.mu.Unlock()
}

type testRig struct {
	controller *Controller
	store      *PositionStore
	cooldowns  *CooldownRegistry
	swaps      *fakeSwaps
	sender     *fakeSender
	balances   *fakeBalances
	tracker    *fakeTracker
	clock      *fakeClock
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestRig(t *testing.T) *testRig {
	t.Helper()

	clock := &fakeClock{now: time.Unix(1700000000, 0)}
	cooldowns := NewCooldownRegistry(5*time.Second, 60*time.Second, 30*time.Second)
	cooldowns.now = clock.Now

	swaps := &fakeSwaps{failBps: map[int]error{}}
	sender := &fakeSender{}
	balances := &fakeBalances{tokens: map[string]uint64{testMint: 1_000_000}}
	tracker := &fakeTracker{}
	store := NewPositionStore(nil)

	exec := NewSwapExecutor(swaps, fakeSigner{}, sender, testWallet, []int{100, 300, 500, 1000}, 20*time.Second)
	params := Params{
		WalletAddress:        testWallet,
		BaseMint:             testSOL,
		MaxOpenPositions:     2,
		TrackMinDeltaPercent: 1.0,
		TrackMinInterval:     30 * time.Second,
		RetryDelay:           120 * time.Second,
	}
	controller := NewController(NewLockArena(), cooldowns, store, exec, tracker, balances, nil, NewMetrics(), params)

	return &testRig{
		controller: controller,
		store:      store,
		cooldowns:  cooldowns,
		swaps:      swaps,
		sender:     sender,
		balances:   balances,
		tracker:    tracker,
		clock:      clock,
	}
}

func TestOpenCreatesPosition(t *testing.T) {
	rig := newTestRig(t)

	sig, err := rig.controller.Open(context.Background(), testMint, 0.001, 0.5)
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	if sig == "" {
		t.Fatal("expected a signature")
	}

	pos := rig.store.Get(testMint)
	if pos == nil {
		t.Fatal("position not stored")
	}
	if pos.Status != StatusOpen {
		t.Errorf("status = %q, want open", pos.Status)
	}
	if pos.EntryTxSig != sig {
		t.Errorf("entry sig = %q, want %q", pos.EntryTxSig, sig)
	}
	if len(rig.tracker.tracked) != 1 {
		t.Errorf("tracked %d sigs, want 1", len(rig.tracker.tracked))
	}
	if got := rig.store.PendingVerifications(0); len(got) != 1 || got[0] != sig {
		t.Errorf("pending verifications = %v, want [%s]", got, sig)
	}
}

func TestOpenRejectsInvalidPrice(t *testing.T) {
	rig := newTestRig(t)

	for _, price := range []float64{0, -1} {
		if _, err := rig.controller.Open(context.Background(), testMint, price, 0.5); !errors.Is(err, ErrInvalidPrice) {
			t.Errorf("price %v: got %v, want ErrInvalidPrice", price, err)
		}
	}
	if rig.store.OpenCount() != 0 {
		t.Error("rejected open created a position")
	}
}

func TestOpenRejectsSecondOnSameMint(t *testing.T) {
	rig := newTestRig(t)

	if _, err := rig.controller.Open(context.Background(), testMint, 0.001, 0.5); err != nil {
		t.Fatalf("first open: %v", err)
	}
	rig.clock.Advance(10 * time.Second) // Past the global cooldown

	if _, err := rig.controller.Open(context.Background(), testMint, 0.001, 0.5); !errors.Is(err, ErrAlreadyOpen) {
		t.Errorf("got %v, want ErrAlreadyOpen", err)
	}
}

func TestOpenEnforcesCapacity(t *testing.T) {
	rig := newTestRig(t)

	mints := []string{"MintA111", "MintB111", "MintC111"}
	var lastErr error
	for _, m := range mints {
		_, lastErr = rig.controller.Open(context.Background(), m, 0.001, 0.5)
		rig.clock.Advance(10 * time.Second)
	}
	if !errors.Is(lastErr, ErrCapacityExceeded) {
		t.Errorf("third open: got %v, want ErrCapacityExceeded", lastErr)
	}
	if rig.store.OpenCount() != 2 {
		t.Errorf("open count = %d, want 2", rig.store.OpenCount())
	}
}

func TestOpenGlobalCooldown(t *testing.T) {
	rig := newTestRig(t)

	if _, err := rig.controller.Open(context.Background(), "MintA111", 0.001, 0.5); err != nil {
		t.Fatalf("first open: %v", err)
	}
	// Within the 5s global window
	rig.clock.Advance(2 * time.Second)
	if _, err := rig.controller.Open(context.Background(), "MintB111", 0.001, 0.5); !errors.Is(err, ErrCooldownActive) {
		t.Errorf("got %v, want ErrCooldownActive", err)
	}
	rig.clock.Advance(10 * time.Second)
	if _, err := rig.controller.Open(context.Background(), "MintB111", 0.001, 0.5); err != nil {
		t.Errorf("open after cooldown: %v", err)
	}
}

func TestOpenDuplicateSuppressed(t *testing.T) {
	rig := newTestRig(t)

	if _, err := rig.controller.Open(context.Background(), "MintA111", 0.001, 0.5); err != nil {
		t.Fatalf("first open: %v", err)
	}
	// Same mint+size+direction inside the dedup window. The position check
	// fires first for the same mint, so use a fingerprint collision via
	// close/reopen instead: just verify the registry directly.
	if err := rig.cooldowns.CheckDuplicate(Fingerprint("MintA111", 0.5, "buy")); !errors.Is(err, ErrDuplicateSuppressed) {
		t.Errorf("got %v, want ErrDuplicateSuppressed", err)
	}
}

func TestOpenBadSignatureCreatesNothing(t *testing.T) {
	rig := newTestRig(t)
	rig.sender.bad = true

	_, err := rig.controller.Open(context.Background(), testMint, 0.001, 0.5)
	if !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("got %v, want ErrInvalidSignature", err)
	}
	if rig.store.OpenCount() != 0 {
		t.Error("position created on malformed signature")
	}
	if len(rig.tracker.tracked) != 0 {
		t.Error("malformed signature was registered for monitoring")
	}
}

func TestOpenSwapFailurePropagates(t *testing.T) {
	rig := newTestRig(t)
	rig.swaps.failAllWith = errors.New("quote backend down")

	if _, err := rig.controller.Open(context.Background(), testMint, 0.001, 0.5); err == nil {
		t.Fatal("expected error")
	}
	if rig.store.OpenCount() != 0 {
		t.Error("position created on failed swap")
	}
}

func TestCloseHappyPath(t *testing.T) {
	rig := newTestRig(t)

	if _, err := rig.controller.Open(context.Background(), testMint, 0.001, 0.5); err != nil {
		t.Fatalf("open: %v", err)
	}
	rig.clock.Advance(time.Minute)

	sig, err := rig.controller.Close(context.Background(), testMint, 0.002, "take-profit")
	if err != nil {
		t.Fatalf("close failed: %v", err)
	}

	pos := rig.store.Get(testMint)
	if pos == nil {
		t.Fatal("position gone before exit verification")
	}
	if pos.Status != StatusClosed {
		t.Errorf("status = %q, want closed", pos.Status)
	}
	if pos.ExitTxSig != sig {
		t.Errorf("exit sig = %q, want %q", pos.ExitTxSig, sig)
	}
	if pos.CloseReason != "take-profit" {
		t.Errorf("reason = %q", pos.CloseReason)
	}

	// Reentry cooldown armed
	if err := rig.cooldowns.CheckOpenCooldowns(testMint); !errors.Is(err, ErrCooldownActive) {
		t.Errorf("reentry check: got %v, want ErrCooldownActive", err)
	}
}

func TestCloseUnknownMint(t *testing.T) {
	rig := newTestRig(t)
	if _, err := rig.controller.Close(context.Background(), "NoSuchMint", 0.002, "x"); !errors.Is(err, ErrNotFound) {
		t.Errorf("got %v, want ErrNotFound", err)
	}
}

func TestCloseNothingToSell(t *testing.T) {
	rig := newTestRig(t)

	if _, err := rig.controller.Open(context.Background(), testMint, 0.001, 0.5); err != nil {
		t.Fatalf("open: %v", err)
	}
	rig.balances.tokens[testMint] = 0
	rig.clock.Advance(time.Minute)

	if _, err := rig.controller.Close(context.Background(), testMint, 0.002, "x"); !errors.Is(err, ErrNothingToSell) {
		t.Errorf("got %v, want ErrNothingToSell", err)
	}
}

func TestCloseRejectsReentrant(t *testing.T) {
	rig := newTestRig(t)

	if _, err := rig.controller.Open(context.Background(), testMint, 0.001, 0.5); err != nil {
		t.Fatalf("open: %v", err)
	}
	rig.clock.Advance(time.Minute)

	// Simulate a close already in flight
	if !rig.cooldowns.BeginSell(testMint) {
		t.Fatal("could not claim sell")
	}
	defer rig.cooldowns.EndSell(testMint)

	if _, err := rig.controller.Close(context.Background(), testMint, 0.002, "x"); !errors.Is(err, ErrAlreadyClosing) {
		t.Errorf("got %v, want ErrAlreadyClosing", err)
	}
}

func TestCloseFailureQueuesRetry(t *testing.T) {
	rig := newTestRig(t)

	if _, err := rig.controller.Open(context.Background(), testMint, 0.001, 0.5); err != nil {
		t.Fatalf("open: %v", err)
	}
	rig.clock.Advance(time.Minute)
	rig.swaps.failAllWith = errors.New("backend down")

	if _, err := rig.controller.Close(context.Background(), testMint, 0.002, "x"); err == nil {
		t.Fatal("expected close error")
	}
	if rig.store.RetryAttempts(testMint) != 1 {
		t.Errorf("retry attempts = %d, want 1", rig.store.RetryAttempts(testMint))
	}

	pos := rig.store.Get(testMint)
	if pos.Status != StatusOpen {
		t.Error("failed close should leave the position open")
	}
}

func TestSlippageLadderWidens(t *testing.T) {
	rig := newTestRig(t)
	rig.swaps.failBps[100] = errors.New("ExceededSlippage")
	rig.swaps.failBps[300] = errors.New("slippage tolerance exceeded")

	if _, err := rig.controller.Open(context.Background(), testMint, 0.001, 0.5); err != nil {
		t.Fatalf("open: %v", err)
	}

	want := []int{100, 300, 500}
	if len(rig.swaps.quoteCalls) != len(want) {
		t.Fatalf("quote calls = %v, want %v", rig.swaps.quoteCalls, want)
	}
	for i, bps := range want {
		if rig.swaps.quoteCalls[i] != bps {
			t.Errorf("call %d at %d bps, want %d", i, rig.swaps.quoteCalls[i], bps)
		}
	}
}

func TestMutualExclusionPerMint(t *testing.T) {
	rig := newTestRig(t)

	// Many goroutines race to open the same mint; exactly one may win
	var wg sync.WaitGroup
	var successes int64
	var mu sync.Mutex
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := rig.controller.Open(context.Background(), testMint, 0.001, 0.5); err == nil {
				mu.Lock()
				successes++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if successes != 1 {
		t.Errorf("%d opens succeeded, want exactly 1", successes)
	}
	if rig.store.OpenCount() != 1 {
		t.Errorf("open count = %d, want 1", rig.store.OpenCount())
	}
}

func TestUpdateTrackingHighLow(t *testing.T) {
	rig := newTestRig(t)

	if _, err := rig.controller.Open(context.Background(), testMint, 0.001, 0.5); err != nil {
		t.Fatalf("open: %v", err)
	}

	for _, price := range []float64{0.0012, 0.0008, 0.0015} {
		if err := rig.controller.UpdateTracking(testMint, price); err != nil {
			t.Fatalf("update at %v: %v", price, err)
		}
	}

	pos := rig.store.Get(testMint)
	if pos.HighPrice != 0.0015 {
		t.Errorf("high = %v, want 0.0015", pos.HighPrice)
	}
	if pos.LowPrice != 0.0008 {
		t.Errorf("low = %v, want 0.0008", pos.LowPrice)
	}
	if pos.LastPrice != 0.0015 {
		t.Errorf("last = %v, want 0.0015", pos.LastPrice)
	}
}

func TestPnLRoundTrip(t *testing.T) {
	p := &Position{
		Size:       10,
		EntryPrice: 1.0,
		ExitPrice:  1.2,
	}
	if got := p.GrossPnL(1.2); got != 2.0 {
		t.Errorf("gross = %v, want 2.0", got)
	}
	if got := p.NetPnL(); got != 2.0 {
		t.Errorf("net without fees = %v, want 2.0", got)
	}
	if got := p.PnLPercent(); got != 20.0 {
		t.Errorf("pct = %v, want 20", got)
	}

	p.EntryFee = 0.01
	p.ExitFee = 0.01
	if got := p.NetPnL(); got != 1.98 {
		t.Errorf("net with fees = %v, want 1.98", got)
	}
}

func TestPnLPrefersEffectivePrices(t *testing.T) {
	p := &Position{
		Size:           10,
		EntryPrice:     1.0,
		EffectiveEntry: 1.1, // Chain truth beat the signal
		ExitPrice:      1.2,
		EffectiveExit:  1.32,
	}
	want := 10 * (1.32/1.1 - 1)
	got := p.NetPnL()
	if diff := got - want; diff > 1e-9 || diff < -1e-9 {
		t.Errorf("net = %v, want %v", got, want)
	}
}
