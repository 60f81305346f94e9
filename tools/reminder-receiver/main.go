// Command reminder-receiver is a local webhook endpoint for trying out
// SINK=webhook. It verifies signatures, counts duplicate deliveries by
// event id and exposes what it saw on /stats.
package main

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"sync"
	"time"
)

type reminder struct {
	Received  string          `json:"received"`
	EventID   string          `json:"event_id"`
	Duplicate bool            `json:"duplicate"`
	Verified  bool            `json:"verified"`
	Envelope  json.RawMessage `json:"envelope"`
}

type stats struct {
	Count      int64      `json:"count"`
	Duplicates int64      `json:"duplicates"`
	BadSig     int64      `json:"bad_signatures"`
	Last       []reminder `json:"last"`
	Since      string     `json:"since"`
}

type receiver struct {
	secret string
	fail   bool // answer 503 to exercise dispatcher retries

	mu         sync.Mutex
	count      int64
	duplicates int64
	badSig     int64
	seen       map[string]bool
	last       []reminder
	since      time.Time
}

const maxStored = 50

func main() {
	addr := ":8081"
	if v := os.Getenv("ADDR"); v != "" {
		addr = v
	}

	rcv := &receiver{
		secret: os.Getenv("WEBHOOK_SECRET"),
		fail:   os.Getenv("FAIL") == "true",
		seen:   make(map[string]bool),
		since:  time.Now().UTC(),
	}

	http.HandleFunc("/hook", rcv.hook)
	http.HandleFunc("/stats", rcv.stats)
	http.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	})
	http.HandleFunc("/reset", rcv.reset)

	log.Printf("reminder-receiver listening on %s (verify=%t)", addr, rcv.secret != "")
	log.Fatal(http.ListenAndServe(addr, nil))
}

func (rcv *receiver) hook(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	defer r.Body.Close()
	if err != nil {
		http.Error(w, "read body", http.StatusBadRequest)
		return
	}

	verified := rcv.secret == "" || validSignature(rcv.secret, body, r.Header.Get("X-Carecal-Signature"))
	if !verified {
		rcv.mu.Lock()
		rcv.badSig++
		rcv.mu.Unlock()
		log.Printf("rejected %s: bad signature", r.Header.Get("X-Carecal-Event-ID"))
		http.Error(w, "bad signature", http.StatusUnauthorized)
		return
	}
	if rcv.fail {
		http.Error(w, "failing on purpose", http.StatusServiceUnavailable)
		return
	}

	eventID := r.Header.Get("X-Carecal-Event-ID")

	rcv.mu.Lock()
	rcv.count++
	dup := rcv.seen[eventID]
	if dup {
		rcv.duplicates++
	}
	rcv.seen[eventID] = true
	rcv.last = append(rcv.last, reminder{
		Received:  time.Now().UTC().Format(time.RFC3339Nano),
		EventID:   eventID,
		Duplicate: dup,
		Verified:  rcv.secret != "",
		Envelope:  json.RawMessage(body),
	})
	if len(rcv.last) > maxStored {
		rcv.last = rcv.last[len(rcv.last)-maxStored:]
	}
	current := rcv.count
	rcv.mu.Unlock()

	log.Printf("reminder #%d %s (duplicate=%t): %s", current, eventID, dup, body)
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprintf(w, `{"received":%d}`, current)
}

func (rcv *receiver) stats(w http.ResponseWriter, _ *http.Request) {
	rcv.mu.Lock()
	s := stats{
		Count:      rcv.count,
		Duplicates: rcv.duplicates,
		BadSig:     rcv.badSig,
		Last:       rcv.last,
		Since:      rcv.since.Format(time.RFC3339),
	}
	rcv.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(s)
}

func (rcv *receiver) reset(w http.ResponseWriter, _ *http.Request) {
	rcv.mu.Lock()
	rcv.count, rcv.duplicates, rcv.badSig = 0, 0, 0
	rcv.seen = make(map[string]bool)
	rcv.last = nil
	rcv.since = time.Now().UTC()
	rcv.mu.Unlock()
	w.WriteHeader(http.StatusOK)
	fmt.Fprintln(w, "reset")
}

func validSignature(secret string, body []byte, signature string) bool {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(signature))
}
