// Package users implements spec §5.1: accounts, bcrypt password
// storage, and personal access tokens (PATs) used as a bearer
// credential alternative to a login handshake.
package users

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/iggy-run/iggy/internal/iggyerr"
	"github.com/iggy-run/iggy/internal/permissions"
)

// Status is a user account's lifecycle state.
type Status uint8

const (
	StatusActive Status = iota
	StatusInactive
)

// User is one broker account.
type User struct {
	ID           uint32
	Username     string
	PasswordHash string
	Status       Status
	Permissions  *permissions.Set
	CreatedAt    time.Time
}

// PersonalAccessToken is a long-lived bearer credential scoped to one
// user, stored hashed so the plaintext token is never persisted.
type PersonalAccessToken struct {
	UserID    uint32
	Name      string
	TokenHash string
	ExpiresAt *time.Time
	CreatedAt time.Time
}

// Store holds every user and PAT in memory, guarded by a single mutex.
// Its contents are not persisted: users are never written to the state
// log, and the PAT entries System logs are not replayed at startup.
type Store struct {
	mu sync.RWMutex

	users      map[uint32]*User
	usersByNm  map[string]uint32
	nextUserID uint32

	tokens map[string]*PersonalAccessToken // sha256(token) hex -> PAT
}

// NewStore creates an empty user store and seeds the root account used
// for initial administration, matching the broker's bootstrap
// behavior (spec §5.1, Non-goal: no external identity provider).
func NewStore(rootPassword string) (*Store, error) {
	s := &Store{
		users:     make(map[uint32]*User),
		usersByNm: make(map[string]uint32),
		tokens:    make(map[string]*PersonalAccessToken),
	}
	rootPerms := permissions.New()
	rootPerms.GrantGlobal(permissions.GlobalManageServer)
	if _, err := s.createLocked("iggy", rootPassword, rootPerms); err != nil {
		return nil, fmt.Errorf("users: seed root account: %w", err)
	}
	return s, nil
}

// Create adds a new user with a bcrypt-hashed password.
func (s *Store) Create(username, password string, perms *permissions.Set) (*User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.createLocked(username, password, perms)
}

func (s *Store) createLocked(username, password string, perms *permissions.Set) (*User, error) {
	if _, exists := s.usersByNm[username]; exists {
		return nil, iggyerr.New(iggyerr.CodeUserAlreadyExists, fmt.Sprintf("user %q already exists", username))
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, iggyerr.Wrap(iggyerr.CodeUnauthorized, "hash password", err)
	}
	if perms == nil {
		perms = permissions.New()
	}
	s.nextUserID++
	u := &User{
		ID:           s.nextUserID,
		Username:     username,
		PasswordHash: string(hash),
		Status:       StatusActive,
		Permissions:  perms,
		CreatedAt:    time.Now(),
	}
	s.users[u.ID] = u
	s.usersByNm[username] = u.ID
	return u, nil
}

// Authenticate validates a username/password pair.
func (s *Store) Authenticate(username, password string) (*User, error) {
	s.mu.RLock()
	id, ok := s.usersByNm[username]
	var u *User
	if ok {
		u = s.users[id]
	}
	s.mu.RUnlock()

	if u == nil {
		return nil, iggyerr.New(iggyerr.CodeUserNotFound, fmt.Sprintf("user %q not found", username))
	}
	if err := bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)); err != nil {
		return nil, iggyerr.New(iggyerr.CodeUnauthenticated, "invalid credentials")
	}
	return u, nil
}

// ByID returns a user by numeric id.
func (s *Store) ByID(id uint32) (*User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[id]
	if !ok {
		return nil, iggyerr.New(iggyerr.CodeUserNotFound, fmt.Sprintf("user %d not found", id))
	}
	return u, nil
}

// Delete removes a user account. The root account (id 1) can never be
// deleted (spec §5.1).
func (s *Store) Delete(id uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id == 1 {
		return iggyerr.New(iggyerr.CodeCannotDeleteRootUser, "cannot delete the root user")
	}
	u, ok := s.users[id]
	if !ok {
		return iggyerr.New(iggyerr.CodeUserNotFound, fmt.Sprintf("user %d not found", id))
	}
	delete(s.users, id)
	delete(s.usersByNm, u.Username)
	return nil
}

// CreatePAT mints a new personal access token for a user, returning the
// plaintext token exactly once; only its hash is retained.
func (s *Store) CreatePAT(userID uint32, name string, ttl time.Duration) (token string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[userID]; !ok {
		return "", iggyerr.New(iggyerr.CodeUserNotFound, fmt.Sprintf("user %d not found", userID))
	}
	token = uuid.New().String() + uuid.New().String()
	hash := hashToken(token)

	pat := &PersonalAccessToken{
		UserID:    userID,
		Name:      name,
		TokenHash: hash,
		CreatedAt: time.Now(),
	}
	if ttl > 0 {
		expires := pat.CreatedAt.Add(ttl)
		pat.ExpiresAt = &expires
	}
	s.tokens[hash] = pat
	return token, nil
}

// AuthenticatePAT resolves a plaintext PAT to its owning user, failing
// if the token is unknown or expired.
func (s *Store) AuthenticatePAT(token string) (*User, error) {
	hash := hashToken(token)
	s.mu.RLock()
	pat, ok := s.tokens[hash]
	s.mu.RUnlock()
	if !ok {
		return nil, iggyerr.New(iggyerr.CodeInvalidPersonalAccessToken, "unknown personal access token")
	}
	if pat.ExpiresAt != nil && time.Now().After(*pat.ExpiresAt) {
		return nil, iggyerr.New(iggyerr.CodePersonalAccessTokenExpired, "personal access token has expired")
	}
	return s.ByID(pat.UserID)
}

// DeletePAT revokes a named token belonging to userID.
func (s *Store) DeletePAT(userID uint32, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for hash, pat := range s.tokens {
		if pat.UserID == userID && pat.Name == name {
			delete(s.tokens, hash)
			return nil
		}
	}
	return iggyerr.New(iggyerr.CodeInvalidPersonalAccessToken, fmt.Sprintf("personal access token %q not found", name))
}

func hashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
