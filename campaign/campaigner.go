package campaign

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"mtmcore/bus"
	"mtmcore/config"
	"mtmcore/connectivity"
	"mtmcore/generation"
	"mtmcore/mtm"
	"mtmcore/referee"
	"mtmcore/txn/participant"
)

// Campaigner runs the background task that decides when to propose a new
// generation and drives one round of voting through clique peers.
type Campaigner struct {
	me          mtm.NodeID
	mgr         *generation.Manager
	tracker     *connectivity.Tracker
	transport   *bus.Transport
	referee     *referee.Client
	participant *participant.Manager

	stopCh chan struct{}
	wg     sync.WaitGroup

	tourMu sync.Mutex
	tour   *tourState
}

// SetReferee wires an external referee into the campaigner's tie-break
// path. Nil (the default) disables it entirely: an even split then just
// never elects, same as before this module had a referee package.
func (c *Campaigner) SetReferee(r *referee.Client) {
	c.referee = r
}

// SetParticipant wires the local participant manager in so a minority
// generation switch can abort stale orphans immediately
// (config.AbortOnMinorityGen) instead of waiting on the resolver. Nil
// (the default) just skips that short-circuit.
func (c *Campaigner) SetParticipant(p *participant.Manager) {
	c.participant = p
}

// refereeApproves consults the referee exactly when clique leaves this
// node on a side with no majority but an exact even split of configured
// — campaignMyself's own quorum gate otherwise blocks any proposal in
// that case. A referee answer naming a node in our clique breaks the tie
// in our favor for this tick; any error or a winner outside our clique
// leaves the gate closed.
func (c *Campaigner) refereeApproves(clique, connected mtm.NodeMask) bool {
	if c.referee == nil {
		return false
	}
	configured := c.mgr.Configured()
	c.referee.ClearOnFullConnectivity(connected, configured)
	if !referee.Active(connected, configured) {
		return false
	}
	ourSide := clique.With(c.me)
	winner, err := c.referee.Decide(context.Background(), ourSide)
	if err != nil {
		config.Warn(false, "campaign: referee decide: %v", err)
		return false
	}
	return ourSide.Has(winner)
}

// tourState tracks the in-flight vote round for one proposed generation.
type tourState struct {
	self           mtm.NodeID
	gen            mtm.Generation
	configured     mtm.NodeMask
	selfLastOnline uint64
	expectedVoters int

	mu        sync.Mutex
	responses map[mtm.NodeID]bus.VoteResponse
	done      chan struct{}
	closed    bool
}

func newTourState(self mtm.NodeID, gen mtm.Generation, configured mtm.NodeMask, selfLastOnline uint64, expectedVoters int) *tourState {
	return &tourState{
		self:           self,
		gen:            gen,
		configured:     configured,
		selfLastOnline: selfLastOnline,
		expectedVoters: expectedVoters,
		responses:      make(map[mtm.NodeID]bus.VoteResponse),
		done:           make(chan struct{}),
	}
}

// okMaskAndDonors returns the mask of nodes (including self, which
// always implicitly votes yes for its own proposal) that voted ok, and
// the donors set: voters at the maximum reported last_online_in among
// ok replies (self included, using its own last_online_in).
func (t *tourState) okMaskAndDonors() (mtm.NodeMask, mtm.NodeMask) {
	oks := mtm.Mask(t.self)
	maxOnline := t.selfLastOnline
	for _, r := range t.responses {
		if r.Ok && r.LastOnlineIn > maxOnline {
			maxOnline = r.LastOnlineIn
		}
	}
	donors := mtm.NodeMask(0)
	if t.selfLastOnline == maxOnline {
		donors = donors.With(t.self)
	}
	for peer, r := range t.responses {
		if r.Ok {
			oks = oks.With(peer)
			if r.LastOnlineIn == maxOnline {
				donors = donors.With(peer)
			}
		}
	}
	return oks, donors
}

func (t *tourState) maxStaleVoteNum() uint64 {
	var max uint64
	for _, r := range t.responses {
		if !r.Ok && r.LastVoteNum > max {
			max = r.LastVoteNum
		}
	}
	return max
}

func (t *tourState) close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.closed {
		t.closed = true
		close(t.done)
	}
}

// New builds a Campaigner for node me.
func New(me mtm.NodeID, mgr *generation.Manager, tracker *connectivity.Tracker, transport *bus.Transport) *Campaigner {
	return &Campaigner{
		me:        me,
		mgr:       mgr,
		tracker:   tracker,
		transport: transport,
		stopCh:    make(chan struct{}),
	}
}

// Start launches the background loop.
func (c *Campaigner) Start() {
	c.wg.Add(1)
	go c.run()
}

// Stop signals the loop to exit and waits for it.
func (c *Campaigner) Stop() {
	close(c.stopCh)
	c.wg.Wait()
}

func (c *Campaigner) run() {
	defer c.wg.Done()
	heartbeat := time.NewTicker(config.HeartbeatSendTimeout)
	defer heartbeat.Stop()
	for {
		jitter := time.Duration(rand.Int63n(int64(config.CampaignJitterMax) + 1))
		timer := time.NewTimer(jitter)
		select {
		case <-c.stopCh:
			timer.Stop()
			return
		case <-c.mgr.WakeCampaigner():
			timer.Stop()
		case <-c.tracker.Wake():
			timer.Stop()
		case <-heartbeat.C:
			timer.Stop()
			c.sendHeartbeats()
			continue
		case <-timer.C:
		}
		c.tick()
	}
}

func (c *Campaigner) sendHeartbeats() {
	cur, donors, lastOnlineIn, _, _ := c.mgr.Snapshot()
	configured := c.mgr.Configured()
	walPos := c.mgr.WALPosition()
	c.tracker.SelfWALPosition(walPos)
	hb := bus.Heartbeat{
		ConnectedMask: c.tracker.ConnectedMask(),
		CurrentGen:    cur,
		Donors:        donors,
		LastOnlineIn:  lastOnlineIn,
		WALPosition:   walPos,
	}
	c.transport.Broadcast(configured, bus.MsgHeartbeat, hb)
}

func (c *Campaigner) tick() {
	clique := c.tracker.Clique()
	connected := c.tracker.ConnectedMask()
	others := c.tracker.OthersLastOnlineIn()
	_, _, _, _, recoveryDonor := c.mgr.Snapshot()

	d := campaignMyself(c.me, c.mgr, clique, connected, others, c.refereeApproves(clique, connected), c.tracker.RecoveryFreshness(recoveryDonor))
	if !d.propose {
		return
	}

	configured := c.mgr.Configured()
	gen, err := c.mgr.CastLastVote(d.candidates, configured)
	if err != nil {
		config.Warn(false, "campaign: cast last vote: %v", err)
		return
	}
	_, _, selfLastOnline, _, _ := c.mgr.Snapshot()

	expectedVoters := clique.Without(c.me).Count()
	tour := newTourState(c.me, gen, configured, selfLastOnline, expectedVoters)
	c.tourMu.Lock()
	c.tour = tour
	c.tourMu.Unlock()

	c.transport.Broadcast(clique, bus.MsgVoteRequest, bus.VoteRequest{Gen: gen})

	select {
	case <-tour.done:
	case <-time.After(config.VoteTourTimeout):
	}

	c.tourMu.Lock()
	c.tour = nil
	c.tourMu.Unlock()

	tour.mu.Lock()
	oks, donorSet := tour.okMaskAndDonors()
	staleNum := tour.maxStaleVoteNum()
	tour.mu.Unlock()

	if mtm.Majority(oks, configured) {
		switched, err := c.mgr.ConsiderGenSwitch(gen, donorSet)
		if err != nil {
			config.Warn(false, "campaign: consider gen switch: %v", err)
		}
		if switched && !gen.HasQuorum() && config.AbortOnMinorityGen && c.participant != nil {
			if aborted := c.participant.AbortOrphans(gen.Members); len(aborted) > 0 {
				config.GPrintf("node %d: minority gen %d aborted %d orphaned branch(es) from excluded coordinators", c.me, gen.Num, len(aborted))
			}
		}
	}
	if staleNum > 0 {
		if err := c.mgr.BumpLastVoteNum(staleNum); err != nil {
			config.Warn(false, "campaign: bump last vote num: %v", err)
		}
	}
	c.mgr.EndTour()
}

// HandleVoteResponse feeds one incoming VoteResponse into the in-flight
// tour, if any, and closes the tour early once quorum is reached or
// every expected voter has replied.
func (c *Campaigner) HandleVoteResponse(from mtm.NodeID, resp bus.VoteResponse) {
	c.tourMu.Lock()
	tour := c.tour
	c.tourMu.Unlock()
	if tour == nil || resp.GenNum != tour.gen.Num {
		return
	}

	tour.mu.Lock()
	tour.responses[from] = resp
	oks, _ := tour.okMaskAndDonors()
	reached := mtm.Majority(oks, tour.configured)
	allReplied := len(tour.responses) >= tour.expectedVoters
	tour.mu.Unlock()

	if reached || allReplied {
		tour.close()
	}
}
