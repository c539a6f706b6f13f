package gateway

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/daviddao/threadsync/pkg/clock"
	"github.com/daviddao/threadsync/pkg/model"
	"github.com/daviddao/threadsync/pkg/syncerr"
)

// Memory is an in-process Gateway. The server assigns ids and timestamps
// the way a real backend would. Failure injection and gates let tests
// reproduce offline sends, lost acknowledgments and overlapping fetches.
type Memory struct {
	mu      sync.Mutex
	threads map[string][]model.ServerMessage // ascending
	clk     clock.Source

	offline    bool
	omitAckIDs bool
	fetchErrs  []error
	sendErrs   []error
	fetchGate  chan struct{}
	sendGate   chan struct{}

	fetches int
	sends   int
}

// NewMemory returns an empty backend stamping messages with src. A nil src
// uses the system clock.
func NewMemory(src clock.Source) *Memory {
	if src == nil {
		src = clock.System{}
	}
	return &Memory{threads: make(map[string][]model.ServerMessage), clk: src}
}

// Seed stores messages as given, replacing any with the same id.
func (m *Memory) Seed(threadID string, msgs ...model.ServerMessage) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, msg := range msgs {
		msg.ThreadID = threadID
		m.insertLocked(msg)
	}
}

// Post stores a message from sender as if another participant had sent
// it, and returns it.
func (m *Memory) Post(threadID string, sender model.Sender, content model.Content) model.ServerMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg := m.stampLocked(threadID, sender, content)
	m.insertLocked(msg)
	return msg
}

// SetOffline makes every call fail with NetworkUnavailable while on.
func (m *Memory) SetOffline(offline bool) {
	m.mu.Lock()
	m.offline = offline
	m.mu.Unlock()
}

// OmitAckIDs makes Send store the message but acknowledge it without an
// id, as a server that assigns ids asynchronously would.
func (m *Memory) OmitAckIDs(omit bool) {
	m.mu.Lock()
	m.omitAckIDs = omit
	m.mu.Unlock()
}

// FailNextFetch queues err for the next FetchPage call.
func (m *Memory) FailNextFetch(err error) {
	m.mu.Lock()
	m.fetchErrs = append(m.fetchErrs, err)
	m.mu.Unlock()
}

// FailNextSend queues err for the next Send call. The message is not
// stored.
func (m *Memory) FailNextSend(err error) {
	m.mu.Lock()
	m.sendErrs = append(m.sendErrs, err)
	m.mu.Unlock()
}

// HoldFetches blocks FetchPage calls until the returned release function
// is called (or their context ends). Calls are still counted on entry.
func (m *Memory) HoldFetches() (release func()) {
	return m.hold(&m.fetchGate)
}

// HoldSends is HoldFetches for Send.
func (m *Memory) HoldSends() (release func()) {
	return m.hold(&m.sendGate)
}

func (m *Memory) hold(gate *chan struct{}) func() {
	ch := make(chan struct{})
	m.mu.Lock()
	*gate = ch
	m.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			if *gate == ch {
				*gate = nil
			}
			m.mu.Unlock()
			close(ch)
		})
	}
}

// Fetches returns how many FetchPage calls were made.
func (m *Memory) Fetches() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.fetches
}

// Sends returns how many Send calls were made.
func (m *Memory) Sends() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sends
}

// Messages returns a copy of a thread's stored history, ascending.
func (m *Memory) Messages(threadID string) []model.ServerMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]model.ServerMessage(nil), m.threads[threadID]...)
}

// Threads lists thread ids with at least one message.
func (m *Memory) Threads() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.threads))
	for id := range m.threads {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// FetchPage implements Gateway.
func (m *Memory) FetchPage(ctx context.Context, threadID string, cursor model.Cursor, pageSize int) ([]model.RawMessage, error) {
	m.mu.Lock()
	m.fetches++
	gate := m.fetchGate
	m.mu.Unlock()

	if err := wait(ctx, gate); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failureLocked(&m.fetchErrs); err != nil {
		return nil, err
	}
	if pageSize <= 0 {
		return nil, syncerr.Rejected("page size must be positive")
	}

	all := m.threads[threadID]
	end := len(all)
	if !cursor.IsZero() {
		end = sort.Search(len(all), func(i int) bool {
			return !clock.Less(all[i].CreatedAt, all[i].ID, cursor.Before, cursor.BeforeID)
		})
	}
	start := end - pageSize
	if start < 0 {
		start = 0
	}
	page := make([]model.RawMessage, 0, end-start)
	for i := end - 1; i >= start; i-- {
		page = append(page, model.ToRaw(all[i]))
	}
	return page, nil
}

// Send implements Gateway.
func (m *Memory) Send(ctx context.Context, threadID string, content model.Content) (model.ServerMessage, error) {
	m.mu.Lock()
	m.sends++
	gate := m.sendGate
	m.mu.Unlock()

	if err := wait(ctx, gate); err != nil {
		return model.ServerMessage{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failureLocked(&m.sendErrs); err != nil {
		return model.ServerMessage{}, err
	}
	if err := content.Validate(); err != nil {
		return model.ServerMessage{}, syncerr.Rejected(err.Error())
	}
	msg := m.stampLocked(threadID, model.SenderOwner, content)
	m.insertLocked(msg)
	if m.omitAckIDs {
		msg.ID = ""
	}
	return msg, nil
}

func (m *Memory) failureLocked(queue *[]error) error {
	if m.offline {
		return syncerr.New(syncerr.NetworkUnavailable, "backend offline")
	}
	if len(*queue) > 0 {
		err := (*queue)[0]
		*queue = (*queue)[1:]
		return err
	}
	return nil
}

func (m *Memory) stampLocked(threadID string, sender model.Sender, content model.Content) model.ServerMessage {
	return model.ServerMessage{
		ID:        "srv-" + uuid.NewString(),
		ThreadID:  threadID,
		Sender:    sender,
		Content:   content.Clone(),
		CreatedAt: m.clk.Now().UTC().Truncate(time.Millisecond),
	}
}

func (m *Memory) insertLocked(msg model.ServerMessage) {
	list := m.threads[msg.ThreadID]
	for i := range list {
		if list[i].ID == msg.ID {
			list = append(list[:i], list[i+1:]...)
			break
		}
	}
	i := sort.Search(len(list), func(i int) bool { return model.MessageLess(msg, list[i]) })
	list = append(list, model.ServerMessage{})
	copy(list[i+1:], list[i:])
	list[i] = msg
	m.threads[msg.ThreadID] = list
}

func wait(ctx context.Context, gate <-chan struct{}) error {
	if gate == nil {
		return ctx.Err()
	}
	select {
	case <-gate:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
