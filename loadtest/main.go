package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"go-chatsync/internal/chat"
	"go-chatsync/internal/logger"
	"go-chatsync/internal/session"
)

type tokenResponse struct {
	Token string `json:"access_token"`
}

type result struct {
	sent       atomic.Int64
	failed     atomic.Int64
	duplicates atomic.Int64
	missing    atomic.Int64
}

// Pairs of users exchange messages through full sessions. Afterwards every
// timeline must hold each message exactly once.
func main() {
	baseURL := flag.String("base", "http://localhost:8080", "backend base url")
	pairs := flag.Int("pairs", 50, "number of user pairs")
	msgs := flag.Int("msgs", 20, "messages per user")
	flag.Parse()

	log := logger.New("info", "text")
	log.WithFields(logrus.Fields{"users": *pairs * 2, "messages": *msgs}).Info("starting load test")

	var res result
	var wg sync.WaitGroup
	for i := 0; i < *pairs; i++ {
		wg.Add(1)
		go func(pairID int) {
			defer wg.Done()
			runPair(*baseURL, pairID, *msgs, &res, log)
		}(i)
	}
	wg.Wait()

	log.WithFields(logrus.Fields{
		"sent":       res.sent.Load(),
		"failed":     res.failed.Load(),
		"duplicates": res.duplicates.Load(),
		"missing":    res.missing.Load(),
	}).Info("load test complete")
}

func runPair(baseURL string, pairID, msgs int, res *result, log *logrus.Logger) {
	userA := fmt.Sprintf("u_%d_a", pairID)
	userB := fmt.Sprintf("u_%d_b", pairID)

	a, err := login(baseURL, userA, log)
	if err != nil {
		log.WithError(err).WithField("user", userA).Error("login failed")
		return
	}
	defer a.Logout()
	b, err := login(baseURL, userB, log)
	if err != nil {
		log.WithError(err).WithField("user", userB).Error("login failed")
		return
	}
	defer b.Logout()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	conv, err := a.StartConversation(ctx, userB)
	if err != nil {
		log.WithError(err).Error("start conversation failed")
		return
	}
	if err := b.OpenConversation(ctx, conv.ID); err != nil {
		log.WithError(err).Error("open conversation failed")
		return
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go spamChat(ctx, &wg, a, userB, msgs, res)
	go spamChat(ctx, &wg, b, userA, msgs, res)
	wg.Wait()

	// Let the last pushes land, then reconcile with history.
	time.Sleep(500 * time.Millisecond)
	_ = a.Conversation.Refresh(ctx)
	_ = b.Conversation.Refresh(ctx)

	for _, s := range []*session.Session{a, b} {
		dups, total := inspect(s.Conversation.Timeline())
		res.duplicates.Add(int64(dups))
		if want := 2 * msgs; total < want {
			res.missing.Add(int64(want - total))
		}
	}
}

func spamChat(ctx context.Context, wg *sync.WaitGroup, s *session.Session, to string, msgs int, res *result) {
	defer wg.Done()
	for i := 0; i < msgs; i++ {
		if _, err := s.Send(ctx, to, fmt.Sprintf("LoadTest Msg %d from %s", i, s.UserID)); err != nil {
			res.failed.Add(1)
			continue
		}
		res.sent.Add(1)
		time.Sleep(10 * time.Millisecond)
	}
}

// inspect returns the number of repeated ids and the number of distinct ids.
func inspect(timeline []chat.Message) (int, int) {
	seen := make(map[string]bool, len(timeline))
	dups := 0
	for _, m := range timeline {
		if seen[m.ID] {
			dups++
		}
		seen[m.ID] = true
	}
	return dups, len(seen)
}

func login(baseURL, userID string, log *logrus.Logger) (*session.Session, error) {
	body, _ := json.Marshal(map[string]string{"userId": userID})
	resp, err := http.Post(baseURL+"/token", "application/json", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("token: status %d", resp.StatusCode)
	}
	var tok tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tok); err != nil {
		return nil, err
	}

	s, err := session.Login(tok.Token, session.Options{
		APIURL:    baseURL + "/api",
		SocketURL: "ws" + baseURL[len("http"):] + "/ws",
	}, logger.Component(log, userID))
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.Channel.WaitConnected(ctx); err != nil {
		s.Logout()
		return nil, err
	}
	return s, nil
}
