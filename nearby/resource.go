package nearby

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"peerlink/network"
	"peerlink/peer"
)

var errResponseTimeout = errors.New("nearby: timed out waiting for transfer response")

type transferKey struct {
	peerID    string
	name      string
	direction Direction
}

type transferWaiter struct {
	conn   *peerConn
	events chan any
}

type inboundTransfer struct {
	transfer  *Transfer
	conn      *peerConn
	offer     network.ResourceOffer
	file      *os.File
	partPath  string
	finalPath string
	hasher    hash.Hash
	next      int
	received  int64
}

type transferTable struct {
	mu      sync.Mutex
	active  map[transferKey]*Transfer
	byID    map[string]*Transfer
	inbound map[string]*inboundTransfer
	waiters map[string]*transferWaiter
}

func newTransferTable() *transferTable {
	return &transferTable{
		active:  make(map[transferKey]*Transfer),
		byID:    make(map[string]*Transfer),
		inbound: make(map[string]*inboundTransfer),
		waiters: make(map[string]*transferWaiter),
	}
}

func keyOf(t *Transfer) transferKey {
	return transferKey{peerID: t.Peer.ID, name: t.Name, direction: t.Direction}
}

func (tt *transferTable) register(t *Transfer) error {
	tt.mu.Lock()
	defer tt.mu.Unlock()
	if _, busy := tt.active[keyOf(t)]; busy {
		return fmt.Errorf("%w: %q already in flight with %s", ErrSendRejected, t.Name, t.Peer)
	}
	if _, dup := tt.byID[t.ID]; dup {
		return fmt.Errorf("%w: duplicate transfer id %s", ErrSendRejected, t.ID)
	}
	tt.active[keyOf(t)] = t
	tt.byID[t.ID] = t
	return nil
}

func (tt *transferTable) unregister(t *Transfer) {
	tt.mu.Lock()
	defer tt.mu.Unlock()
	if tt.active[keyOf(t)] == t {
		delete(tt.active, keyOf(t))
	}
	if tt.byID[t.ID] == t {
		delete(tt.byID, t.ID)
	}
}

func (tt *transferTable) list() []*Transfer {
	tt.mu.Lock()
	out := make([]*Transfer, 0, len(tt.byID))
	for _, t := range tt.byID {
		out = append(out, t)
	}
	tt.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].StartedAt.Before(out[j].StartedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (tt *transferTable) waiter(id string, conn *peerConn) *transferWaiter {
	w := &transferWaiter{conn: conn, events: make(chan any, 16)}
	tt.mu.Lock()
	tt.waiters[id] = w
	tt.mu.Unlock()
	return w
}

func (tt *transferTable) dropWaiter(id string) {
	tt.mu.Lock()
	delete(tt.waiters, id)
	tt.mu.Unlock()
}

// route hands a response from conn to the outbound transfer waiting for it.
func (tt *transferTable) route(conn *peerConn, id string, msg any) bool {
	tt.mu.Lock()
	w, ok := tt.waiters[id]
	tt.mu.Unlock()
	if !ok || w.conn != conn {
		return false
	}
	select {
	case w.events <- msg:
		return true
	default:
		return false
	}
}

func (tt *transferTable) addInbound(in *inboundTransfer) {
	tt.mu.Lock()
	tt.inbound[in.transfer.ID] = in
	tt.mu.Unlock()
}

func (tt *transferTable) inboundFor(id string, conn *peerConn) *inboundTransfer {
	tt.mu.Lock()
	defer tt.mu.Unlock()
	in, ok := tt.inbound[id]
	if !ok || in.conn != conn {
		return nil
	}
	return in
}

// removeInbound reports whether in was still registered, so only one caller finishes it.
func (tt *transferTable) removeInbound(in *inboundTransfer) bool {
	tt.mu.Lock()
	defer tt.mu.Unlock()
	if tt.inbound[in.transfer.ID] != in {
		return false
	}
	delete(tt.inbound, in.transfer.ID)
	return true
}

func (tt *transferTable) inboundOn(conn *peerConn) []*inboundTransfer {
	tt.mu.Lock()
	defer tt.mu.Unlock()
	var out []*inboundTransfer
	for _, in := range tt.inbound {
		if in.conn == conn {
			out = append(out, in)
		}
	}
	return out
}

// Transfers lists in-flight transfers in start order.
func (s *Session) Transfers() []*Transfer {
	return s.transfers.list()
}

// SendResource streams the file at path to a connected peer under name and
// returns immediately. onComplete runs exactly once on the Dispatcher with
// nil on success or an error wrapping ErrTransferFailure.
func (s *Session) SendResource(path, name string, toPeer peer.Identity, onComplete func(error)) (*Transfer, error) {
	if s.closing.Load() {
		return nil, ErrSessionClosed
	}
	if name == "" {
		name = filepath.Base(path)
	}
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("stat resource: %w", err)
	}
	if !info.Mode().IsRegular() {
		return nil, fmt.Errorf("resource %q is not a regular file", path)
	}

	e, conn := s.connectedConn(toPeer.ID)
	if conn == nil {
		return nil, fmt.Errorf("%w: %s is not connected", ErrSendRejected, toPeer)
	}

	t := newTransfer(uuid.NewString(), DirectionSend, e.identity, name, info.Size())
	if err := s.transfers.register(t); err != nil {
		return nil, err
	}
	if !s.track() {
		s.transfers.unregister(t)
		return nil, ErrSessionClosed
	}

	s.post(func(d SessionDelegate) {
		d.OnTransferStarted(t)
	})

	go func() {
		defer s.wg.Done()
		err := s.runOutbound(conn, t, path)
		if err != nil {
			s.notifySendFailure(conn, t, err)
		}
		s.finishTransfer(t, "", err, onComplete)
	}()
	return t, nil
}

func (s *Session) runOutbound(conn *peerConn, t *Transfer, path string) error {
	log := s.log.WithFields(logrus.Fields{"peer": t.Peer.ID, "transfer": t.ID})
	link := conn.link

	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open resource: %w", err)
	}
	defer func() {
		_ = file.Close()
	}()

	checksum, err := network.FileChecksum(path)
	if err != nil {
		return err
	}
	chunkSize := s.cfg.ChunkSize
	totalChunks := network.ChunkCount(t.TotalBytes, chunkSize)

	waiter := s.transfers.waiter(t.ID, conn)
	defer s.transfers.dropWaiter(t.ID)

	if err := link.SendMessage(network.ResourceOffer{
		Type:        network.TypeResourceOffer,
		TransferID:  t.ID,
		Name:        t.Name,
		Size:        t.TotalBytes,
		Checksum:    checksum,
		ChunkSize:   chunkSize,
		TotalChunks: totalChunks,
		Timestamp:   time.Now().UnixMilli(),
	}); err != nil {
		return fmt.Errorf("send offer: %w", err)
	}

	if err := s.awaitOfferAnswer(conn, waiter); err != nil {
		return err
	}
	log.WithField("chunks", totalChunks).Debug("offer accepted")

	for index := 0; index < totalChunks; index++ {
		chunk, err := network.ReadChunk(file, index, chunkSize)
		if err != nil {
			return err
		}
		if err := s.sendChunk(conn, waiter, t, index, chunk); err != nil {
			return err
		}
		delta := int64(len(chunk))
		if delta > 0 && t.advance(delta) {
			s.post(func(d SessionDelegate) {
				d.OnTransferProgress(t, delta)
			})
		}
	}

	if err := link.SendMessage(network.ResourceComplete{
		Type:       network.TypeResourceComplete,
		TransferID: t.ID,
		Status:     network.StatusComplete,
		Timestamp:  time.Now().UnixMilli(),
	}); err != nil {
		return fmt.Errorf("send complete: %w", err)
	}

	for {
		msg, err := s.awaitTransferEvent(conn, waiter)
		if err != nil {
			return err
		}
		complete, ok := msg.(network.ResourceComplete)
		if !ok {
			continue
		}
		if complete.Status != network.StatusComplete {
			return fmt.Errorf("%w: receiver reported %s", ErrTransferFailure, complete.Message)
		}
		log.Info("resource delivered")
		return nil
	}
}

func (s *Session) awaitOfferAnswer(conn *peerConn, waiter *transferWaiter) error {
	for {
		msg, err := s.awaitTransferEvent(conn, waiter)
		if err != nil {
			return err
		}
		switch answer := msg.(type) {
		case network.ResourceResponse:
			switch answer.Status {
			case network.StatusAccepted:
				return nil
			case network.StatusRejected:
				return fmt.Errorf("%w: offer rejected: %s", ErrTransferFailure, answer.Message)
			}
		case network.ResourceComplete:
			return fmt.Errorf("%w: receiver reported %s", ErrTransferFailure, answer.Message)
		}
	}
}

// sendChunk writes one chunk and waits for its ack, retrying nacked or
// unanswered chunks up to MaxChunkRetries times.
func (s *Session) sendChunk(conn *peerConn, waiter *transferWaiter, t *Transfer, index int, chunk []byte) error {
	link := conn.link
	var lastErr error

	for try := 0; try <= s.cfg.MaxChunkRetries; try++ {
		ciphertext, nonce, err := link.Seal(chunk, network.ChunkAdditionalData(t.ID, index))
		if err != nil {
			return err
		}
		if err := link.SendMessage(network.ResourceChunk{
			Type:       network.TypeResourceChunk,
			TransferID: t.ID,
			ChunkIndex: index,
			Ciphertext: ciphertext,
			Nonce:      nonce,
			Timestamp:  time.Now().UnixMilli(),
		}); err != nil {
			return fmt.Errorf("send chunk %d: %w", index, err)
		}

		acked, err := s.awaitChunkAnswer(conn, waiter, index)
		if acked {
			return nil
		}
		if !errors.Is(err, errResponseTimeout) && !errors.Is(err, errChunkNacked) {
			return err
		}
		lastErr = err
		s.log.WithFields(logrus.Fields{"transfer": t.ID, "chunk": index, "try": try + 1}).WithError(err).Debug("retrying chunk")
	}
	return fmt.Errorf("%w: chunk %d failed after %d attempts: %w", ErrTransferFailure, index, s.cfg.MaxChunkRetries+1, lastErr)
}

var errChunkNacked = errors.New("nearby: chunk rejected by receiver")

func (s *Session) awaitChunkAnswer(conn *peerConn, waiter *transferWaiter, index int) (bool, error) {
	for {
		msg, err := s.awaitTransferEvent(conn, waiter)
		if err != nil {
			return false, err
		}
		switch answer := msg.(type) {
		case network.ResourceResponse:
			if answer.ChunkIndex != index {
				continue
			}
			switch answer.Status {
			case network.StatusChunkAck:
				return true, nil
			case network.StatusChunkNack:
				return false, fmt.Errorf("%w: %s", errChunkNacked, answer.Message)
			}
		case network.ResourceComplete:
			return false, fmt.Errorf("%w: receiver reported %s", ErrTransferFailure, answer.Message)
		}
	}
}

func (s *Session) awaitTransferEvent(conn *peerConn, waiter *transferWaiter) (any, error) {
	timer := time.NewTimer(s.cfg.ChunkTimeout)
	defer timer.Stop()

	select {
	case msg := <-waiter.events:
		return msg, nil
	case <-conn.link.Done():
		return nil, s.lossCause(conn.link)
	case <-s.ctx.Done():
		return nil, ErrSessionClosed
	case <-timer.C:
		return nil, errResponseTimeout
	}
}

func (s *Session) notifySendFailure(conn *peerConn, t *Transfer, cause error) {
	select {
	case <-conn.link.Done():
		return
	default:
	}
	_ = conn.link.SendMessage(network.ResourceComplete{
		Type:       network.TypeResourceComplete,
		TransferID: t.ID,
		Status:     network.StatusFailed,
		Message:    cause.Error(),
		Timestamp:  time.Now().UnixMilli(),
	})
}

// finishTransfer settles t once, archives it and delivers the terminal events.
func (s *Session) finishTransfer(t *Transfer, localPath string, err error, onComplete func(error)) {
	if err != nil && !errors.Is(err, ErrTransferFailure) {
		err = fmt.Errorf("%w: %w", ErrTransferFailure, err)
	}
	if !t.finish(localPath, err) {
		return
	}
	s.transfers.unregister(t)

	result := t.result()
	log := s.log.WithFields(logrus.Fields{"peer": t.Peer.ID, "transfer": t.ID, "direction": t.Direction})
	if result.Err != nil {
		log.WithError(result.Err).Warn("transfer failed")
	} else {
		log.Debug("transfer completed")
	}

	if s.cfg.Archive != nil {
		if archiveErr := s.cfg.Archive.RecordTransfer(t.Summary()); archiveErr != nil {
			log.WithError(archiveErr).Warn("archive transfer failed")
		}
	}

	s.post(func(d SessionDelegate) {
		d.OnTransferFinished(t, result)
	})
	if onComplete != nil {
		s.dispatch(func() {
			onComplete(result.Err)
		})
	}
}

func (s *Session) handleOffer(e *peerEntry, conn *peerConn, offer network.ResourceOffer) {
	reject := func(reason string) {
		_ = conn.link.SendMessage(network.ResourceResponse{
			Type:       network.TypeResourceResponse,
			TransferID: offer.TransferID,
			Status:     network.StatusRejected,
			Message:    reason,
			Timestamp:  time.Now().UnixMilli(),
		})
	}

	if err := validateOffer(offer); err != nil {
		s.dropFrame(e, err)
		reject(err.Error())
		return
	}

	name := network.SafeResourceName(offer.Name)
	t := newTransfer(offer.TransferID, DirectionReceive, e.identity, name, offer.Size)
	if err := s.transfers.register(t); err != nil {
		reject("duplicate transfer")
		return
	}

	dir := s.cfg.DownloadsDir
	finalPath := filepath.Join(dir, network.PrefixedName(t.ID, name))
	partPath := finalPath + ".part"
	if err := os.MkdirAll(dir, 0o755); err != nil {
		s.transfers.unregister(t)
		reject("cannot store resource")
		s.log.WithError(err).Warn("create downloads directory failed")
		return
	}
	file, err := os.OpenFile(partPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		s.transfers.unregister(t)
		reject("cannot store resource")
		s.log.WithError(err).Warn("create partial file failed")
		return
	}

	s.transfers.addInbound(&inboundTransfer{
		transfer:  t,
		conn:      conn,
		offer:     offer,
		file:      file,
		partPath:  partPath,
		finalPath: finalPath,
		hasher:    sha256.New(),
	})
	s.post(func(d SessionDelegate) {
		d.OnTransferStarted(t)
	})

	if err := conn.link.SendMessage(network.ResourceResponse{
		Type:       network.TypeResourceResponse,
		TransferID: offer.TransferID,
		Status:     network.StatusAccepted,
		Timestamp:  time.Now().UnixMilli(),
	}); err != nil {
		s.log.WithError(err).Debug("send offer acceptance failed")
	}
}

func validateOffer(offer network.ResourceOffer) error {
	switch {
	case offer.TransferID == "":
		return errors.New("offer is missing transfer id")
	case offer.Size < 0:
		return errors.New("offer has negative size")
	case offer.ChunkSize <= 0 || offer.ChunkSize > network.MaxChunkSize:
		return fmt.Errorf("offer chunk size %d out of range", offer.ChunkSize)
	case offer.TotalChunks != network.ChunkCount(offer.Size, offer.ChunkSize):
		return fmt.Errorf("offer declares %d chunks for %d bytes", offer.TotalChunks, offer.Size)
	case len(offer.Checksum) != sha256.Size*2:
		return errors.New("offer checksum is not a sha256 digest")
	}
	return nil
}

func (s *Session) handleChunk(e *peerEntry, conn *peerConn, chunk network.ResourceChunk) {
	in := s.transfers.inboundFor(chunk.TransferID, conn)
	if in == nil {
		s.dropFrame(e, fmt.Errorf("chunk for unknown transfer %s", chunk.TransferID))
		return
	}
	answer := func(status, message string) {
		_ = conn.link.SendMessage(network.ResourceResponse{
			Type:       network.TypeResourceResponse,
			TransferID: chunk.TransferID,
			Status:     status,
			ChunkIndex: chunk.ChunkIndex,
			Message:    message,
			Timestamp:  time.Now().UnixMilli(),
		})
	}

	switch {
	case chunk.ChunkIndex < in.next:
		// Already written; the sender missed our ack.
		answer(network.StatusChunkAck, "")
		return
	case chunk.ChunkIndex > in.next:
		answer(network.StatusChunkNack, fmt.Sprintf("expected chunk %d", in.next))
		return
	}

	data, err := conn.link.Open(chunk.Ciphertext, chunk.Nonce, network.ChunkAdditionalData(chunk.TransferID, chunk.ChunkIndex))
	if err != nil {
		s.dropFrame(e, err)
		answer(network.StatusChunkNack, "chunk could not be decrypted")
		return
	}
	if in.received+int64(len(data)) > in.offer.Size {
		s.failInbound(in, fmt.Errorf("%w: chunk %d exceeds declared size", ErrTransferFailure, chunk.ChunkIndex), true)
		return
	}
	if _, err := in.file.Write(data); err != nil {
		s.failInbound(in, fmt.Errorf("%w: write chunk: %w", ErrTransferFailure, err), true)
		return
	}
	_, _ = in.hasher.Write(data)
	in.received += int64(len(data))
	in.next++

	delta := int64(len(data))
	if delta > 0 && in.transfer.advance(delta) {
		t := in.transfer
		s.post(func(d SessionDelegate) {
			d.OnTransferProgress(t, delta)
		})
	}
	answer(network.StatusChunkAck, "")
}

// handleComplete either finalizes an inbound transfer or forwards the
// receiver's verdict to the outbound transfer waiting for it.
func (s *Session) handleComplete(conn *peerConn, complete network.ResourceComplete) {
	in := s.transfers.inboundFor(complete.TransferID, conn)
	if in == nil {
		s.transfers.route(conn, complete.TransferID, complete)
		return
	}

	if complete.Status != network.StatusComplete {
		s.failInbound(in, fmt.Errorf("%w: sender aborted: %s", ErrTransferFailure, complete.Message), false)
		return
	}
	if in.next != in.offer.TotalChunks || in.received != in.offer.Size {
		s.failInbound(in, fmt.Errorf("%w: received %d of %d bytes", ErrTransferFailure, in.received, in.offer.Size), true)
		return
	}
	if sum := hex.EncodeToString(in.hasher.Sum(nil)); sum != in.offer.Checksum {
		s.failInbound(in, fmt.Errorf("%w: checksum mismatch", ErrTransferFailure), true)
		return
	}
	if err := in.file.Close(); err != nil {
		s.failInbound(in, fmt.Errorf("%w: close partial file: %w", ErrTransferFailure, err), true)
		return
	}
	if err := os.Rename(in.partPath, in.finalPath); err != nil {
		s.failInbound(in, fmt.Errorf("%w: finalize file: %w", ErrTransferFailure, err), true)
		return
	}
	if !s.transfers.removeInbound(in) {
		return
	}

	_ = conn.link.SendMessage(network.ResourceComplete{
		Type:       network.TypeResourceComplete,
		TransferID: complete.TransferID,
		Status:     network.StatusComplete,
		Timestamp:  time.Now().UnixMilli(),
	})
	s.finishTransfer(in.transfer, in.finalPath, nil, nil)
}

func (s *Session) failInbound(in *inboundTransfer, cause error, notifySender bool) {
	if !s.transfers.removeInbound(in) {
		return
	}
	_ = in.file.Close()
	_ = os.Remove(in.partPath)

	if notifySender {
		_ = in.conn.link.SendMessage(network.ResourceComplete{
			Type:       network.TypeResourceComplete,
			TransferID: in.transfer.ID,
			Status:     network.StatusFailed,
			Message:    cause.Error(),
			Timestamp:  time.Now().UnixMilli(),
		})
	}
	s.finishTransfer(in.transfer, "", cause, nil)
}

func (s *Session) abortInbound(conn *peerConn, cause error) {
	for _, in := range s.transfers.inboundOn(conn) {
		s.failInbound(in, fmt.Errorf("%w: %w", ErrTransferFailure, cause), false)
	}
}
