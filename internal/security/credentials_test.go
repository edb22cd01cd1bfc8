package security

import (
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestCredentialStore_SetGet(t *testing.T) {
	t.Parallel()

	store := NewCredentialStore()
	store.Set("gateway", "tok-1")
	store.Set("gateway", "tok-2")

	if v, ok := store.Get("gateway"); !ok || v != "tok-2" {
		t.Errorf("Get = %q, %v; want tok-2, true", v, ok)
	}
	if _, ok := store.Get("missing"); ok {
		t.Error("missing credential reported present")
	}

	store.Set("gateway", "")
	if _, ok := store.Get("gateway"); ok {
		t.Error("empty value should remove the credential")
	}
}

func TestCredentialStore_LoadEnv(t *testing.T) {
	t.Parallel()

	env := map[string]string{"DEPLOY_KEY": "dk-123456789", "EMPTY": ""}
	lookup := func(name string) (string, bool) {
		v, ok := env[name]
		return v, ok
	}

	store := NewCredentialStore()
	missing := store.LoadEnv([]string{"DEPLOY_KEY", "EMPTY", "UNSET"}, lookup)

	if diff := cmp.Diff([]string{"EMPTY", "UNSET"}, missing); diff != "" {
		t.Errorf("missing (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"env:DEPLOY_KEY"}, store.Names()); diff != "" {
		t.Errorf("names (-want +got):\n%s", diff)
	}
}

func TestCredentialStore_ValuesLongestFirst(t *testing.T) {
	t.Parallel()

	store := NewCredentialStore()
	store.Set("a", "secret")
	store.Set("b", "secret-extended")
	store.Set("c", "mid-secret")

	want := []string{"secret-extended", "mid-secret", "secret"}
	if diff := cmp.Diff(want, store.Values()); diff != "" {
		t.Errorf("values (-want +got):\n%s", diff)
	}
}

func TestCredentialStore_ConcurrentAccess(t *testing.T) {
	t.Parallel()

	store := NewCredentialStore()
	var wg sync.WaitGroup
	for i := range 50 {
		wg.Add(2)
		go func() {
			defer wg.Done()
			store.Set("key", string(rune('a'+i%26))+"-value")
		}()
		go func() {
			defer wg.Done()
			_ = store.Values()
			_, _ = store.Get("key")
		}()
	}
	wg.Wait()

	if len(store.Names()) != 1 {
		t.Errorf("names = %v, want one entry", store.Names())
	}
}
