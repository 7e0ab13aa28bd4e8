package accounts

import (
	"errors"
	"testing"

	"bibkat-backend/internal/components/kvstore"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
)

func TestLibraryId(t *testing.T) {
	cases := []struct {
		url      string
		expected string
	}{
		{url: "https://www.bibkat.de/boehl/", expected: "boehl"},
		{url: "https://www.bibkat.de/boehl", expected: "boehl"},
		{url: "https://www.bibkat.de/verbund/boehl/", expected: "boehl"},
		{url: "https://www.bibkat.de/", expected: "unknown"},
		{url: "", expected: "unknown"},
	}
	for _, test := range cases {
		require.Equal(t, test.expected, LibraryId(test.url), test.url)
	}
}

func TestAccount(t *testing.T) {
	account := Account{Username: "12345", LibraryUrl: "https://www.bibkat.de/boehl/"}
	require.Equal(t, "boehl_12345", account.Id())
	require.Equal(t, "Leser 12345", account.DisplayName())

	account.Alias = "Anna"
	require.Equal(t, "Anna", account.DisplayName())
}

func TestLibraryAddReplaces(t *testing.T) {
	library := Library{Url: "https://www.bibkat.de/boehl/"}
	library.Add(Account{Username: "1", Password: "a", Enabled: true})
	library.Add(Account{Username: "2", Password: "b"})
	library.Add(Account{Username: "1", Password: "c", Enabled: true})

	require.Len(t, library.Accounts, 2)
	first, ok := library.Find("1")
	require.True(t, ok)
	require.Equal(t, "c", first.Password)
	require.Equal(t, "https://www.bibkat.de/boehl/", first.LibraryUrl)

	enabled := library.Enabled()
	require.Len(t, enabled, 1)
	require.Equal(t, "1", enabled[0].Username)
}

func TestStore(t *testing.T) {
	kv, err := kvstore.Open(t.TempDir())
	require.NoError(t, err)
	store := NewStore(kv)
	const url = "https://www.bibkat.de/boehl/"

	library, err := store.Load(url)
	require.NoError(t, err)
	require.Empty(t, library.Accounts)

	_, err = store.Add(url, Account{Username: "1", Password: "a", Enabled: true})
	require.NoError(t, err)
	_, err = store.Add(url, Account{Username: "2", Password: "b", Enabled: true})
	require.NoError(t, err)
	_, err = store.SetEnabled(url, "2", false)
	require.NoError(t, err)
	_, err = store.SetAlias(url, "1", "Anna")
	require.NoError(t, err)

	library, err = NewStore(kv).Load("https://ignored.example/")
	require.NoError(t, err)
	expected := Library{
		Url: url,
		Accounts: []Account{
			{Username: "1", Password: "a", Alias: "Anna", LibraryUrl: url, Enabled: true},
			{Username: "2", Password: "b", LibraryUrl: url, Enabled: false},
		},
	}
	if diff := cmp.Diff(expected, library); diff != "" {
		t.Fatal("unexpected library (-want +got):\n", diff)
	}

	_, err = store.Remove(url, "3")
	require.True(t, errors.Is(err, ErrUnknownAccount))
	library, err = store.Remove(url, "1")
	require.NoError(t, err)
	require.Len(t, library.Accounts, 1)

	_, err = store.Add(url, Account{})
	require.Error(t, err)
}

func TestMerge(t *testing.T) {
	base := Library{
		Url:      "https://www.bibkat.de/boehl/",
		Accounts: []Account{{Username: "1", Password: "file", Enabled: true}},
	}
	overlay := Library{
		Url: "https://stale.example/",
		Accounts: []Account{
			{Username: "1", Password: "cli", Enabled: false},
			{Username: "2", Password: "cli", Enabled: true},
		},
	}

	merged := Merge(base, overlay)
	expected := Library{
		Url: "https://www.bibkat.de/boehl/",
		Accounts: []Account{
			{Username: "1", Password: "cli", LibraryUrl: "https://www.bibkat.de/boehl/"},
			{Username: "2", Password: "cli", LibraryUrl: "https://www.bibkat.de/boehl/", Enabled: true},
		},
	}
	if diff := cmp.Diff(expected, merged); diff != "" {
		t.Fatal("unexpected library (-want +got):\n", diff)
	}
	require.Len(t, base.Accounts, 1)
	require.Equal(t, "file", base.Accounts[0].Password)

	require.Equal(t, "https://stale.example/", Merge(Library{}, overlay).Url)
}
