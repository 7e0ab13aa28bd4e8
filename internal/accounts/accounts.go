// Package accounts holds the configured library and the reader accounts logged into it.
package accounts

import (
	"errors"
	"fmt"
	"net/url"
	"slices"
	"strings"
	"sync"

	"bibkat-backend/internal/components/kvstore"
	"bibkat-backend/internal/scrapers/bibkat"
)

const storeKey = "accounts"

type Account struct {
	Username   string `json:"username"`
	Password   string `json:"password"`
	Alias      string `json:"alias,omitempty"`
	LibraryUrl string `json:"library_url"`
	Enabled    bool   `json:"enabled"`
}

// LibraryId is the last path segment of a library url, ex. "boehl" for
// "https://www.bibkat.de/boehl/".
func LibraryId(libraryUrl string) string {
	parsed, err := url.Parse(strings.TrimSpace(libraryUrl))
	if err != nil {
		return "unknown"
	}
	segments := strings.Split(strings.Trim(parsed.Path, "/"), "/")
	last := segments[len(segments)-1]
	if last == "" {
		return "unknown"
	}
	return last
}

func (a Account) Id() string {
	return LibraryId(a.LibraryUrl) + "_" + a.Username
}

func (a Account) DisplayName() string {
	if a.Alias != "" {
		return a.Alias
	}
	return bibkat.OwnerName(a.Username)
}

// Library is a library url with the accounts configured for it.
type Library struct {
	Url      string    `json:"url"`
	Name     string    `json:"name,omitempty"`
	Accounts []Account `json:"accounts"`
}

// Add adds an account to the library, an account with the same username is replaced.
func (l *Library) Add(account Account) {
	account.LibraryUrl = l.Url
	i := slices.IndexFunc(l.Accounts, func(a Account) bool {
		return a.Username == account.Username
	})
	if i >= 0 {
		l.Accounts[i] = account
		return
	}
	l.Accounts = append(l.Accounts, account)
}

func (l *Library) Find(username string) (Account, bool) {
	i := slices.IndexFunc(l.Accounts, func(a Account) bool {
		return a.Username == username
	})
	if i < 0 {
		return Account{}, false
	}
	return l.Accounts[i], true
}

// Enabled returns the accounts that take part in fetch cycles.
func (l *Library) Enabled() []Account {
	var out []Account
	for _, a := range l.Accounts {
		if a.Enabled {
			out = append(out, a)
		}
	}
	return out
}

// Merge overlays the accounts of overlay onto base, overlay wins for equal usernames. The url of
// base is kept unless it is empty.
func Merge(base, overlay Library) Library {
	out := Library{Url: base.Url, Name: base.Name, Accounts: slices.Clone(base.Accounts)}
	if out.Url == "" {
		out.Url = overlay.Url
	}
	if out.Name == "" {
		out.Name = overlay.Name
	}
	for _, account := range overlay.Accounts {
		out.Add(account)
	}
	for i := range out.Accounts {
		out.Accounts[i].LibraryUrl = out.Url
	}
	return out
}

var ErrUnknownAccount = errors.New("unknown account")

// Store persists the library configuration made through the cli.
type Store struct {
	kv    *kvstore.Store
	mutex sync.Mutex
}

func NewStore(kv *kvstore.Store) *Store {
	return &Store{kv: kv}
}

// Load returns the saved library, or an empty library for fallbackUrl if none was saved yet.
func (s *Store) Load(fallbackUrl string) (Library, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.load(fallbackUrl)
}

func (s *Store) load(fallbackUrl string) (Library, error) {
	var library Library
	err := s.kv.Load(storeKey, &library)
	if errors.Is(err, kvstore.ErrNotFound) {
		return Library{Url: fallbackUrl, Accounts: []Account{}}, nil
	}
	if err != nil {
		return Library{}, err
	}
	return library, nil
}

func (s *Store) Save(library Library) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.kv.Save(storeKey, library)
}

// Update loads the library, applies fn and saves the result unless fn fails.
func (s *Store) Update(fallbackUrl string, fn func(library *Library) error) (Library, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	library, err := s.load(fallbackUrl)
	if err != nil {
		return Library{}, err
	}
	err = fn(&library)
	if err != nil {
		return Library{}, err
	}
	err = s.kv.Save(storeKey, library)
	if err != nil {
		return Library{}, err
	}
	return library, nil
}

func (s *Store) Add(fallbackUrl string, account Account) (Library, error) {
	return s.Update(fallbackUrl, func(library *Library) error {
		if account.Username == "" {
			return fmt.Errorf("account without username")
		}
		library.Add(account)
		return nil
	})
}

func (s *Store) Remove(fallbackUrl, username string) (Library, error) {
	return s.Update(fallbackUrl, func(library *Library) error {
		before := len(library.Accounts)
		library.Accounts = slices.DeleteFunc(library.Accounts, func(a Account) bool {
			return a.Username == username
		})
		if len(library.Accounts) == before {
			return fmt.Errorf("%w: %s", ErrUnknownAccount, username)
		}
		return nil
	})
}

func (s *Store) SetEnabled(fallbackUrl, username string, enabled bool) (Library, error) {
	return s.Update(fallbackUrl, func(library *Library) error {
		for i := range library.Accounts {
			if library.Accounts[i].Username == username {
				library.Accounts[i].Enabled = enabled
				return nil
			}
		}
		return fmt.Errorf("%w: %s", ErrUnknownAccount, username)
	})
}

func (s *Store) SetAlias(fallbackUrl, username, alias string) (Library, error) {
	return s.Update(fallbackUrl, func(library *Library) error {
		for i := range library.Accounts {
			if library.Accounts[i].Username == username {
				library.Accounts[i].Alias = alias
				return nil
			}
		}
		return fmt.Errorf("%w: %s", ErrUnknownAccount, username)
	})
}
