package repository

import (
	"context"
	"maps"
	"sort"
	"strings"
	"sync"
	"time"

	"mindbridge/src/app"
)

type InMemoryDB struct {
	mu      sync.RWMutex
	users   map[string]*app.User
	records map[string][]app.EmotionRecord
	revoked map[string]time.Time
}

func NewInMemoryDB() *InMemoryDB {
	return &InMemoryDB{
		users:   make(map[string]*app.User),
		records: make(map[string][]app.EmotionRecord),
		revoked: make(map[string]time.Time),
	}
}

func (i *InMemoryDB) CreateUser(_ context.Context, user *app.User) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	for _, u := range i.users {
		if strings.EqualFold(u.Email, user.Email) {
			return ErrEmailTaken
		}
	}
	stored := *user
	if stored.BaselineMood == "" {
		stored.BaselineMood = app.MoodNeutral
	}
	i.users[user.ID] = &stored
	return nil
}

func (i *InMemoryDB) UserByID(_ context.Context, id string) (*app.User, error) {
	i.mu.RLock()
	defer i.mu.RUnlock()
	u, ok := i.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	found := *u
	return &found, nil
}

func (i *InMemoryDB) UserByEmail(_ context.Context, email string) (*app.User, error) {
	return i.find(func(u *app.User) bool { return strings.EqualFold(u.Email, email) })
}

func (i *InMemoryDB) UserByExternalID(_ context.Context, externalID string) (*app.User, error) {
	return i.find(func(u *app.User) bool { return externalID != "" && u.ExternalID == externalID })
}

func (i *InMemoryDB) UpdateUser(_ context.Context, user *app.User) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if _, ok := i.users[user.ID]; !ok {
		return ErrNotFound
	}
	stored := *user
	stored.PrivacySettings = maps.Clone(user.PrivacySettings)
	i.users[user.ID] = &stored
	return nil
}

func (i *InMemoryDB) find(match func(*app.User) bool) (*app.User, error) {
	i.mu.RLock()
	defer i.mu.RUnlock()
	for _, u := range i.users {
		if match(u) {
			found := *u
			return &found, nil
		}
	}
	return nil, ErrNotFound
}

func (i *InMemoryDB) SaveEmotionRecord(_ context.Context, record *app.EmotionRecord) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.records[record.UserID] = append(i.records[record.UserID], *record)
	return nil
}

func (i *InMemoryDB) EmotionHistory(_ context.Context, userID string, since time.Time, page, limit int) ([]app.EmotionRecord, int, error) {
	i.mu.RLock()
	var all []app.EmotionRecord
	for _, r := range i.records[userID] {
		if !r.CreatedAt.Before(since) {
			all = append(all, r)
		}
	}
	i.mu.RUnlock()

	sort.SliceStable(all, func(a, b int) bool { return all[a].CreatedAt.After(all[b].CreatedAt) })
	start := (page - 1) * limit
	if start >= len(all) {
		return []app.EmotionRecord{}, len(all), nil
	}
	end := min(start+limit, len(all))
	return all[start:end], len(all), nil
}

func (i *InMemoryDB) ClearFrameKey(_ context.Context, userID, key string) (int, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	cleared := 0
	records := i.records[userID]
	for n := range records {
		if records[n].FrameKey == key {
			records[n].FrameKey = ""
			cleared++
		}
	}
	return cleared, nil
}

func (i *InMemoryDB) RevokeToken(_ context.Context, tokenID string, expiresAt time.Time) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.revoked[tokenID] = expiresAt
	return nil
}

func (i *InMemoryDB) IsRevoked(_ context.Context, tokenID string) (bool, error) {
	i.mu.RLock()
	defer i.mu.RUnlock()
	_, ok := i.revoked[tokenID]
	return ok, nil
}

func (i *InMemoryDB) PruneRevoked(_ context.Context, now time.Time) (int, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	pruned := 0
	for id, exp := range i.revoked {
		if !exp.After(now) {
			delete(i.revoked, id)
			pruned++
		}
	}
	return pruned, nil
}

func (i *InMemoryDB) Close(context.Context) {}
