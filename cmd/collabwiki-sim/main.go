// Command collabwiki-sim simulates a crowd of concurrent editors
// against a running collabwiki server. Each simulated user keeps a
// local shadow of the page, submits randomized operations tagged with
// the sequence number it last saw, and applies the transformed
// operations the server hands back. At the end the shadows are checked
// against the server's canonical text.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"math/rand"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"collabwiki/internal/collab"
	"collabwiki/internal/hub"
	"collabwiki/internal/ot"
)

// scenario shapes the editing behavior of a simulated user.
type scenario struct {
	name       string
	insertProb float64
	deleteProb float64 // remainder after insert+delete goes to replace
	thinkTime  time.Duration
	burstProb  float64
	burstSize  int
}

var scenarios = map[string]scenario{
	"normal":     {name: "Normal Typing", insertProb: 0.7, deleteProb: 0.2, thinkTime: 100 * time.Millisecond, burstProb: 0.1, burstSize: 5},
	"aggressive": {name: "Aggressive Editing", insertProb: 0.5, deleteProb: 0.3, thinkTime: 50 * time.Millisecond, burstProb: 0.3, burstSize: 10},
	"review":     {name: "Document Review", insertProb: 0.2, deleteProb: 0.4, thinkTime: 500 * time.Millisecond, burstProb: 0.1, burstSize: 3},
}

type counters struct {
	sent     int64
	acked    int64
	rejected int64
	received int64
	errors   int64
}

var totals counters

// ack mirrors the server's private submission response.
type ack struct {
	Success   bool            `json:"success"`
	Operation json.RawMessage `json:"transformed_operation"`
	Seq       uint64          `json:"assigned_sequence"`
	Error     string          `json:"error"`
}

// simUser is one simulated editor.
type simUser struct {
	userID string
	pageID string
	conn   *websocket.Conn

	mu      sync.Mutex
	content string
	seq     uint64
	pending map[uint64]ot.Op

	writeMu sync.Mutex
	done    chan struct{}
	once    sync.Once
}

func newSimUser(userID, pageID string) *simUser {
	return &simUser{
		userID:  userID,
		pageID:  pageID,
		pending: make(map[uint64]ot.Op),
		done:    make(chan struct{}),
	}
}

func (u *simUser) connect(serverURL string) error {
	parsed, err := url.Parse(serverURL)
	if err != nil {
		return err
	}
	parsed.Scheme = "ws"
	parsed.Path = "/ws/" + u.pageID
	q := parsed.Query()
	q.Set("user_id", u.userID)
	q.Set("display_name", u.userID)
	parsed.RawQuery = q.Encode()

	u.conn, _, err = websocket.DefaultDialer.Dial(parsed.String(), nil)
	if err != nil {
		return err
	}
	go u.readLoop()
	return nil
}

func (u *simUser) close() {
	u.once.Do(func() {
		close(u.done)
		if u.conn != nil {
			u.conn.Close()
		}
	})
}

func (u *simUser) readLoop() {
	defer u.close()
	for {
		var msg hub.Message
		if err := u.conn.ReadJSON(&msg); err != nil {
			select {
			case <-u.done:
			default:
				atomic.AddInt64(&totals.errors, 1)
			}
			return
		}
		switch msg.Type {
		case hub.TypeState:
			var snap collab.Snapshot
			if err := json.Unmarshal(msg.Data, &snap); err != nil {
				continue
			}
			u.mu.Lock()
			u.content = snap.Content
			u.seq = snap.Seq
			u.mu.Unlock()
		case hub.TypeOperation:
			atomic.AddInt64(&totals.received, 1)
			op, err := ot.DecodeOp(msg.Data)
			if err != nil {
				atomic.AddInt64(&totals.errors, 1)
				continue
			}
			u.applySequenced(op)
		case hub.TypeAck:
			var res ack
			if err := json.Unmarshal(msg.Data, &res); err != nil {
				continue
			}
			if !res.Success {
				atomic.AddInt64(&totals.rejected, 1)
				continue
			}
			atomic.AddInt64(&totals.acked, 1)
			op, err := ot.DecodeOp(res.Operation)
			if err != nil {
				atomic.AddInt64(&totals.errors, 1)
				continue
			}
			u.applySequenced(op)
		}
	}
}

// applySequenced applies operations to the shadow strictly in server
// order, parking out-of-order arrivals until the gap fills.
func (u *simUser) applySequenced(op ot.Op) {
	u.mu.Lock()
	defer u.mu.Unlock()

	u.pending[op.OpMeta().ServerSeq] = op
	for {
		next, ok := u.pending[u.seq+1]
		if !ok {
			return
		}
		delete(u.pending, u.seq+1)
		content, err := next.Apply(u.content)
		if err != nil {
			atomic.AddInt64(&totals.errors, 1)
			log.Printf("%s: apply seq %d: %v", u.userID, u.seq+1, err)
			return
		}
		u.content = content
		u.seq++
	}
}

func (u *simUser) submit(op ot.Op) error {
	data, err := ot.EncodeOp(op)
	if err != nil {
		return err
	}
	msg := hub.Message{Type: hub.TypeOperation, Data: data}
	u.writeMu.Lock()
	defer u.writeMu.Unlock()
	u.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return u.conn.WriteJSON(msg)
}

// randomOp builds an operation valid against the current shadow and
// tagged with the shadow's sequence number.
func (u *simUser) randomOp(sc scenario) ot.Op {
	u.mu.Lock()
	content, seq := u.content, u.seq
	u.mu.Unlock()

	meta := ot.Meta{ID: uuid.New(), UserID: u.userID, ExpectedSeq: seq}
	r := rand.Float64()
	switch {
	case r < sc.insertProb || len(content) == 0:
		return ot.Insert{Meta: meta, Pos: rand.Intn(len(content) + 1), Text: randomText()}
	case r < sc.insertProb+sc.deleteProb:
		pos := rand.Intn(len(content))
		n := 1 + rand.Intn(minInt(4, len(content)-pos))
		return ot.Delete{Meta: meta, Pos: pos, Len: n}
	default:
		start := rand.Intn(len(content))
		end := start + rand.Intn(minInt(6, len(content)-start+1))
		return ot.Replace{Meta: meta, Start: start, End: end, Text: randomText()}
	}
}

func (u *simUser) edit(sc scenario, duration time.Duration) {
	deadline := time.Now().Add(duration)
	for time.Now().Before(deadline) {
		select {
		case <-u.done:
			return
		default:
		}

		burst := 1
		if rand.Float64() < sc.burstProb {
			burst = sc.burstSize
		}
		for i := 0; i < burst; i++ {
			if err := u.submit(u.randomOp(sc)); err != nil {
				atomic.AddInt64(&totals.errors, 1)
				return
			}
			atomic.AddInt64(&totals.sent, 1)
		}
		time.Sleep(sc.thinkTime)
	}
}

func randomText() string {
	const alphabet = "abcdefghijklmnopqrstuvwxyz .,"
	n := 1 + rand.Intn(4)
	out := make([]byte, n)
	for i := range out {
		out[i] = alphabet[rand.Intn(len(alphabet))]
	}
	return string(out)
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

// serverText fetches the canonical content for the consistency check.
func serverText(serverURL, pageID string) (string, error) {
	resp, err := http.Get(fmt.Sprintf("%s/api/pages/%s/text", serverURL, pageID))
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	var out struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return "", err
	}
	return out.Text, nil
}

func main() {
	var (
		serverURL = flag.String("server", "http://localhost:8080", "server URL")
		numUsers  = flag.Int("users", 10, "number of simulated users")
		pageID    = flag.String("page", "", "page ID (empty for a fresh page)")
		duration  = flag.Duration("duration", time.Minute, "editing duration")
		scName    = flag.String("scenario", "normal", "scenario: normal, aggressive, review")
		settle    = flag.Duration("settle", 3*time.Second, "wait after editing before the consistency check")
	)
	flag.Parse()

	sc, ok := scenarios[*scName]
	if !ok {
		log.Fatalf("unknown scenario %q", *scName)
	}
	if *pageID == "" {
		*pageID = fmt.Sprintf("sim-%d", time.Now().UnixNano())
	}

	log.Printf("simulating %d users on page %s (%s)", *numUsers, *pageID, sc.name)

	users := make([]*simUser, *numUsers)
	var wg sync.WaitGroup
	for i := range users {
		u := newSimUser(fmt.Sprintf("sim_user_%d", i), *pageID)
		users[i] = u
		if err := u.connect(*serverURL); err != nil {
			log.Fatalf("%s: connect: %v", u.userID, err)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			u.edit(sc, *duration)
		}()
		// Stagger joins slightly so the initial state messages spread out.
		time.Sleep(50 * time.Millisecond)
	}
	wg.Wait()
	time.Sleep(*settle)

	canonical, err := serverText(*serverURL, *pageID)
	if err != nil {
		log.Fatalf("fetch canonical text: %v", err)
	}

	divergent := 0
	for _, u := range users {
		u.mu.Lock()
		shadow, seq := u.content, u.seq
		u.mu.Unlock()
		if shadow != canonical {
			divergent++
			log.Printf("%s diverged at seq %d: server %q, shadow %q", u.userID, seq, canonical, shadow)
		}
		u.close()
	}

	fmt.Println("=== SIMULATION REPORT ===")
	fmt.Printf("Sent: %d  Acked: %d  Rejected: %d  Received: %d  Errors: %d\n",
		totals.sent, totals.acked, totals.rejected, totals.received, totals.errors)
	fmt.Printf("Canonical length: %d\n", len(canonical))
	if divergent == 0 {
		fmt.Printf("All %d shadows consistent with the server\n", len(users))
	} else {
		fmt.Printf("%d of %d shadows diverged\n", divergent, len(users))
	}
}
