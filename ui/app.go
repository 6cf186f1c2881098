package ui

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"peerlink/config"
	"peerlink/discovery"
	"peerlink/nearby"
	"peerlink/peer"
	"peerlink/storage"
)

// chatLine is the payload of a chat message on the wire.
type chatLine struct {
	ID   string `json:"id"`
	Text string `json:"text"`
	Mode string `json:"mode"`
}

// RunOptions wires one running node.
type RunOptions struct {
	Config    *config.DeviceConfig
	DataDir   string
	Namespace string
	Key       ed25519.PrivateKey
	Store     *storage.Store
	Logger    logrus.FieldLogger

	Out  printer
	Bars io.Writer

	// AutoInvite invites every peer as soon as it is found.
	AutoInvite bool
	// ShareFiles are sent to every peer once it connects.
	ShareFiles []string

	beacon          discovery.Beacon
	refreshInterval time.Duration
}

// processBeacon connects LocalOnly nodes of this process.
var processBeacon = discovery.NewLocalBeacon()

// controller owns the nearby components of one node and renders their events.
type controller struct {
	opts     RunOptions
	identity peer.Identity
	log      logrus.FieldLogger
	out      printer
	store    *storage.Store
	files    *FileHandler

	dispatcher *nearby.Dispatcher
	session    *nearby.Session
	advertiser *nearby.Advertiser
	browser    *nearby.Browser

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	shared map[string]bool
	wg     sync.WaitGroup
}

func newController(ctx context.Context, opts RunOptions) (*controller, error) {
	if opts.Config == nil {
		return nil, errors.New("config is required")
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	cfg := opts.Config

	c := &controller{
		opts:     opts,
		identity: peer.Identity{ID: cfg.PeerID, DisplayName: cfg.DisplayName},
		log:      opts.Logger,
		out:      opts.Out,
		store:    opts.Store,
		files:    NewFileHandler(opts.Bars),
		shared:   make(map[string]bool),
	}
	c.ctx, c.cancel = context.WithCancel(ctx)
	c.dispatcher = nearby.NewDispatcher(opts.Logger)

	var archive nearby.Archive
	if opts.Store != nil {
		archive = opts.Store
	}

	handlers := nearby.Handlers{
		PeerStateChanged: c.onPeerStateChanged,
		MessageReceived:  c.onMessage,
		TransferStarted:  c.files.Begin,
		TransferProgress: func(t *nearby.Transfer, delta int64) { c.files.Advance(t.ID, delta) },
		TransferFinished: c.onTransferFinished,
		PeerFound:        c.onPeerFound,
		PeerLost:         func(p peer.Identity) { c.out.Println(fmt.Sprintf("- %s left", p)) },
		DiscoveryError:   c.onDiscoveryError,
	}

	session, err := nearby.NewSession(nearby.SessionConfig{
		Identity:     c.identity,
		IdentityKey:  opts.Key,
		Namespace:    opts.Namespace,
		Delegate:     handlers,
		Dispatcher:   c.dispatcher,
		DownloadsDir: config.IncomingDir(opts.DataDir),
		ChunkSize:    cfg.ChunkSize,
		Archive:      archive,
		Logger:       opts.Logger,
	})
	if err != nil {
		c.dispatcher.Close()
		return nil, err
	}
	c.session = session

	beacon := opts.beacon
	switch {
	case beacon != nil:
	case cfg.LocalOnly:
		beacon = processBeacon
	default:
		beacon = discovery.NewMDNS(discovery.MDNSConfig{})
	}

	c.advertiser, err = nearby.NewAdvertiser(nearby.AdvertiserConfig{
		Identity:      c.identity,
		IdentityKey:   opts.Key,
		Namespace:     opts.Namespace,
		DiscoveryInfo: map[string]string{"app": config.AppDirectoryName},
		ListenAddress: cfg.ListenAddress,
		Beacon:        beacon,
		Delegate:      handlers,
		Dispatcher:    c.dispatcher,
		Logger:        opts.Logger,
	})
	if err != nil {
		c.shutdown()
		return nil, err
	}

	c.browser, err = nearby.NewBrowser(nearby.BrowserConfig{
		Identity:   c.identity,
		Namespace:  opts.Namespace,
		Beacon:     beacon,
		Archive:    archive,
		Delegate:   handlers,
		Dispatcher: c.dispatcher,
		Logger:     opts.Logger,

		RefreshInterval: opts.refreshInterval,
	})
	if err != nil {
		c.shutdown()
		return nil, err
	}

	return c, nil
}

// start advertises with policy and begins browsing.
func (c *controller) start(policy nearby.AcceptPolicy) error {
	if err := c.advertiser.Start(policy); err != nil {
		return err
	}
	if err := c.browser.Start(); err != nil {
		c.advertiser.Stop()
		return err
	}
	c.log.WithFields(logrus.Fields{
		"peer_id":   c.identity.ID,
		"namespace": c.opts.Namespace,
		"port":      c.advertiser.Port(),
	}).Info("node started")
	return nil
}

// shutdown stops discovery, closes the session and drains pending events.
func (c *controller) shutdown() {
	c.cancel()
	if c.browser != nil {
		c.browser.Stop()
	}
	if c.advertiser != nil {
		c.advertiser.Stop()
	}
	if c.session != nil {
		c.session.Disconnect()
	}
	c.wg.Wait()
	c.dispatcher.Close()
}

func (c *controller) onPeerStateChanged(p peer.Identity, state peer.State) {
	c.out.Println(fmt.Sprintf("* %s is %s", p, state))
	if state == peer.Connected && len(c.opts.ShareFiles) > 0 {
		c.shareWith(p)
	}
}

func (c *controller) onMessage(from peer.Identity, data []byte) {
	var line chatLine
	if err := json.Unmarshal(data, &line); err != nil || line.ID == "" {
		line = chatLine{ID: uuid.NewString(), Text: string(data), Mode: storage.ModeReliable}
	}
	c.archiveMessage(storage.ChatMessage{
		MessageID: line.ID,
		PeerID:    from.ID,
		PeerName:  from.DisplayName,
		Direction: string(nearby.DirectionReceive),
		Content:   line.Text,
		Mode:      line.Mode,
	})
	c.out.Println(fmt.Sprintf("<%s> %s", from, line.Text))
}

func (c *controller) onTransferFinished(t *nearby.Transfer, result nearby.TransferResult) {
	c.files.Finish(t.ID, result.Err)
	if result.Err != nil {
		c.out.Println(fmt.Sprintf("! %s %s with %s failed: %v", t.Direction, t.Name, t.Peer, result.Err))
		return
	}
	if t.Direction == nearby.DirectionSend {
		c.out.Println(fmt.Sprintf("* sent %s to %s", t.Name, t.Peer))
		return
	}

	final, err := MoveToDownloads(result.LocalPath, c.opts.Config.DownloadsDir, t.Name)
	if err != nil {
		c.log.WithError(err).WithField("transfer", t.ID).Warn("could not move received file")
		c.out.Println(fmt.Sprintf("* received %s from %s, kept at %s", t.Name, t.Peer, result.LocalPath))
		return
	}
	c.out.Println(fmt.Sprintf("* received %s from %s, saved to %s", t.Name, t.Peer, final))
	c.relocateArchived(t.ID, final)
}

// relocateArchived points an archived inbound transfer at its final path.
func (c *controller) relocateArchived(transferID, path string) {
	if c.store == nil {
		return
	}
	record, err := c.store.GetTransfer(transferID, string(nearby.DirectionReceive))
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			c.log.WithError(err).Warn("read archived transfer")
		}
		return
	}
	record.LocalPath = path
	if err := c.store.SaveTransfer(*record); err != nil {
		c.log.WithError(err).Warn("update archived transfer")
	}
}

func (c *controller) onPeerFound(p peer.Identity, info map[string]string) {
	c.out.Println(fmt.Sprintf("+ %s is nearby (%s)", p, shortID(p.ID)))
	if c.opts.AutoInvite {
		c.invite(p, 0)
	}
}

func (c *controller) onDiscoveryError(dc nearby.DiscoveryContext, err error) {
	c.out.Println(fmt.Sprintf("! %s failed in %q: %v", dc.Role, dc.Namespace, err))
	if c.store == nil {
		return
	}
	details := map[string]any{
		"role":      string(dc.Role),
		"namespace": dc.Namespace,
		"error":     err.Error(),
	}
	if logErr := c.store.LogEvent(storage.EventDiscoveryError, dc.PeerID, storage.EventSeverityCritical, details); logErr != nil {
		c.log.WithError(logErr).Warn("log discovery error")
	}
}

// recordInvitation is the accept prompt's decision hook.
func (c *controller) recordInvitation(from peer.Identity, accepted bool) {
	if c.store == nil {
		return
	}
	eventType := storage.EventInvitationDeclined
	if accepted {
		eventType = storage.EventInvitationAccepted
	}
	details := map[string]any{"display_name": from.DisplayName, "namespace": c.opts.Namespace}
	if err := c.store.LogEvent(eventType, from.ID, storage.EventSeverityInfo, details); err != nil {
		c.log.WithError(err).Warn("log invitation decision")
	}
}

// invite asks p to join and reports the outcome asynchronously.
func (c *controller) invite(p peer.Identity, timeout time.Duration) {
	completion, err := c.browser.Invite(p, c.session, []byte(c.identity.DisplayName), timeout)
	if err != nil {
		if errors.Is(err, nearby.ErrPeerBusy) {
			c.log.WithField("peer", p.ID).Debug("invite skipped, peer busy")
			return
		}
		c.out.Println(fmt.Sprintf("! invite %s: %v", p, err))
		return
	}
	c.out.Println(fmt.Sprintf("* invited %s", p))

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		if err := completion.Wait(c.ctx); err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			c.out.Println(fmt.Sprintf("! invitation to %s: %v", p, err))
		}
	}()
}

// shareWith sends every shared file to p once.
func (c *controller) shareWith(p peer.Identity) {
	c.mu.Lock()
	if c.shared[p.ID] {
		c.mu.Unlock()
		return
	}
	c.shared[p.ID] = true
	c.mu.Unlock()

	for _, path := range c.opts.ShareFiles {
		if _, err := c.session.SendResource(path, "", p, nil); err != nil {
			c.out.Println(fmt.Sprintf("! send %s to %s: %v", path, p, err))
		}
	}
}

// sendText sends a chat line to every connected peer and archives it.
func (c *controller) sendText(text string, mode nearby.Mode) error {
	line := chatLine{ID: uuid.NewString(), Text: text, Mode: mode.String()}
	payload, err := json.Marshal(line)
	if err != nil {
		return err
	}
	completion, err := c.session.SendToAll(payload, mode)
	if err != nil {
		return err
	}

	c.archiveMessage(storage.ChatMessage{
		MessageID: line.ID,
		PeerID:    c.identity.ID,
		PeerName:  c.identity.DisplayName,
		Direction: string(nearby.DirectionSend),
		Content:   text,
		Mode:      line.Mode,
	})

	if mode == nearby.Reliable {
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			if err := completion.Wait(c.ctx); err != nil && !errors.Is(err, context.Canceled) {
				c.out.Println(fmt.Sprintf("! message not delivered: %v", err))
			}
		}()
	}
	return nil
}

// sendFile streams path to one connected peer.
func (c *controller) sendFile(path string, to peer.Identity) error {
	_, err := c.session.SendResource(path, "", to, nil)
	return err
}

func (c *controller) archiveMessage(msg storage.ChatMessage) {
	if c.store == nil {
		return
	}
	msg.Namespace = c.opts.Namespace
	msg.Timestamp = time.Now().UnixMilli()
	if err := c.store.SaveMessage(msg); err != nil {
		c.log.WithError(err).Warn("archive chat message")
	}
}

// findPeer resolves query against visible and session peers by ID prefix or
// display name.
func (c *controller) findPeer(query string) (peer.Identity, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return peer.Identity{}, errors.New("peer name or id is required")
	}

	candidates := make(map[string]peer.Identity)
	for _, dp := range c.browser.Peers() {
		candidates[dp.Identity.ID] = dp.Identity
	}
	for _, status := range c.session.Peers() {
		candidates[status.Identity.ID] = status.Identity
	}

	var matches []peer.Identity
	for _, id := range candidates {
		if id.ID == query {
			return id, nil
		}
		if strings.HasPrefix(id.ID, query) || strings.EqualFold(id.DisplayName, query) {
			matches = append(matches, id)
		}
	}
	switch len(matches) {
	case 0:
		return peer.Identity{}, fmt.Errorf("%w: %q", nearby.ErrUnknownPeer, query)
	case 1:
		return matches[0], nil
	default:
		return peer.Identity{}, fmt.Errorf("%q matches %d peers, use a longer id", query, len(matches))
	}
}

// peerTable lists visible peers with their session state.
func (c *controller) peerTable() []string {
	var lines []string
	for _, dp := range c.browser.Peers() {
		state := c.session.State(dp.Identity.ID)
		lines = append(lines, fmt.Sprintf("  %s  %-24s %s", shortID(dp.Identity.ID), dp.Identity.DisplayName, state))
	}
	if len(lines) == 0 {
		lines = append(lines, "  no peers nearby")
	}
	return lines
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
