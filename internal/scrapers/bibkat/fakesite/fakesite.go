// Package fakesite serves an in-memory BibKat library over httptest for tests.
package fakesite

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	jsoniter "github.com/json-iterator/go"
)

const (
	Prefix     = "/boehl"
	csrfToken  = "tok-123"
	sessionKey = "sessionid"
)

// Site is a fake library. Pages are keyed by username; fields may be modified before Start.
type Site struct {
	// Passwords maps username to password.
	Passwords map[string]string
	// Main and Family are the logged-in page bodies (inside the layout) per username.
	Main   map[string]string
	Family map[string]string
	// Reservations is the dedicated reservations page body per username.
	Reservations map[string]string
	// Details maps media id to a detail page body.
	Details map[string]string
	// Renewals maps media id to the confirmation message, ids missing here are refused.
	Renewals map[string]string
	// CatalogCode, when set, is printed on every page and the renewal API moves below it.
	CatalogCode string
	// LoginError is shown above the login form after a failed login.
	LoginError string
	// NoToken removes the anti-forgery token from the login page.
	NoToken bool

	mutex    sync.Mutex
	sessions map[string]string
	next     int
	hits     map[string]int
	// Posts records the form of every renewal confirmation.
	Posts []map[string]string
}

func New() *Site {
	return &Site{
		Passwords:    map[string]string{},
		Main:         map[string]string{},
		Family:       map[string]string{},
		Reservations: map[string]string{},
		Details:      map[string]string{},
		Renewals:     map[string]string{},
		sessions:     map[string]string{},
		hits:         map[string]int{},
	}
}

// Start serves the site and returns the library url, the server is closed with the test.
func (s *Site) Start(t testing.TB) string {
	srv := httptest.NewServer(s)
	t.Cleanup(srv.Close)
	return srv.URL + Prefix + "/"
}

// Hits returns how often a path (without the library prefix) was requested.
func (s *Site) Hits(path string) int {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.hits[path]
}

// HitsWithPrefix sums the hits of every path starting with prefix.
func (s *Site) HitsWithPrefix(prefix string) int {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	n := 0
	for path, count := range s.hits {
		if strings.HasPrefix(path, prefix) {
			n += count
		}
	}
	return n
}

// ExpireSessions logs every client out.
func (s *Site) ExpireSessions() {
	s.mutex.Lock()
	s.sessions = map[string]string{}
	s.mutex.Unlock()
}

// Logins counts successful logins.
func (s *Site) Logins() int {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.next
}

func (s *Site) user(r *http.Request) string {
	cookie, err := r.Cookie(sessionKey)
	if err != nil {
		return ""
	}
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.sessions[cookie.Value]
}

func (s *Site) write(w http.ResponseWriter, body string) {
	if s.CatalogCode != "" {
		body = strings.Replace(body, "</body>", fmt.Sprintf(`<script>var catalog = "%s";</script></body>`, s.CatalogCode), 1)
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	fmt.Fprint(w, body)
}

func (s *Site) loginPage(w http.ResponseWriter, message string) {
	token := csrfToken
	if s.NoToken {
		token = ""
	}
	if message != "" {
		message = fmt.Sprintf(`<div class="alert alert-danger">%s</div>`, message)
	}
	page := fmt.Sprintf(loginForm, message, Prefix, token)
	if s.NoToken {
		page = strings.Replace(page, `<input type="hidden" name="csrfmiddlewaretoken" value="">`, "", 1)
	}
	s.write(w, page)
}

func (s *Site) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Path
	if s.CatalogCode != "" && strings.HasPrefix(path, "/"+s.CatalogCode+"/") {
		path = strings.TrimPrefix(path, "/"+s.CatalogCode)
		s.count(path)
		s.renew(w, r, true)
		return
	}
	if !strings.HasPrefix(path, Prefix+"/") {
		http.NotFound(w, r)
		return
	}
	path = strings.TrimPrefix(path, Prefix)
	s.count(path)

	if path == "/reader/" && r.Method == http.MethodPost {
		s.login(w, r)
		return
	}

	user := s.user(r)
	if user == "" {
		s.loginPage(w, "")
		return
	}

	switch {
	case path == "/reader/":
		s.write(w, layout(Prefix, csrfToken, s.Main[user]))
	case path == "/reader/family/":
		s.write(w, layout(Prefix, csrfToken, s.Family[user]))
	case path == "/reader/account/":
		s.write(w, layout(Prefix, csrfToken, "<p>Konto</p>"))
	case path == "/reader/reservations/":
		s.write(w, layout(Prefix, csrfToken, s.Reservations[user]))
	case path == "/api/renew/":
		s.renew(w, r, s.CatalogCode == "")
	case strings.HasPrefix(path, "/media/"):
		id := strings.Trim(strings.TrimPrefix(path, "/media/"), "/")
		detail, ok := s.Details[id]
		if !ok {
			http.NotFound(w, r)
			return
		}
		s.write(w, layout(Prefix, csrfToken, detail))
	default:
		http.NotFound(w, r)
	}
}

func (s *Site) count(path string) {
	s.mutex.Lock()
	s.hits[path]++
	s.mutex.Unlock()
}

func (s *Site) login(w http.ResponseWriter, r *http.Request) {
	err := r.ParseForm()
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if r.PostForm.Get("csrfmiddlewaretoken") != csrfToken || r.PostForm.Get("action") != "login" {
		http.Error(w, "CSRF verification failed", http.StatusForbidden)
		return
	}

	username := r.PostForm.Get("username")
	password, ok := s.Passwords[username]
	if !ok || password != r.PostForm.Get("password") {
		s.loginPage(w, s.LoginError)
		return
	}

	s.mutex.Lock()
	s.next++
	session := fmt.Sprintf("session-%d", s.next)
	s.sessions[session] = username
	s.mutex.Unlock()

	http.SetCookie(w, &http.Cookie{Name: sessionKey, Value: session, Path: "/"})
	http.Redirect(w, r, Prefix+"/reader/", http.StatusFound)
}

type envelope struct {
	Meta struct {
		Success bool `json:"success"`
	} `json:"meta"`
	Data struct {
		Actions []map[string]string `json:"actions,omitempty"`
		Message string              `json:"message,omitempty"`
	} `json:"data"`
}

func (s *Site) renew(w http.ResponseWriter, r *http.Request, served bool) {
	if !served || s.user(r) == "" {
		http.NotFound(w, r)
		return
	}

	var out envelope
	switch r.Method {
	case http.MethodGet:
		if r.Header.Get("X-Requested-With") != "XMLHttpRequest" || r.URL.Query().Get("_") == "" {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		id := r.URL.Query().Get("payload")
		out.Meta.Success = true
		if _, ok := s.Renewals[id]; ok {
			out.Data.Actions = []map[string]string{
				{"function": "close", "method": "GET"},
				{"function": "renew", "method": "POST"},
			}
		} else {
			out.Data.Actions = []map[string]string{{"function": "close", "method": "GET"}}
		}
	case http.MethodPost:
		err := r.ParseForm()
		if err != nil || r.Header.Get("X-CSRFToken") != csrfToken {
			http.Error(w, "CSRF verification failed", http.StatusForbidden)
			return
		}
		form := map[string]string{}
		for k := range r.PostForm {
			form[k] = r.PostForm.Get(k)
		}
		s.mutex.Lock()
		s.Posts = append(s.Posts, form)
		s.mutex.Unlock()

		message, ok := s.Renewals[form["payload"]]
		out.Meta.Success = ok
		out.Data.Message = message
		if !ok {
			out.Data.Message = "Das Medium ist vorgemerkt und kann nicht verlängert werden."
		}
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	jsoniter.NewEncoder(w).Encode(out)
}
