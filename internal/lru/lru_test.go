package lru_test

import (
	"testing"

	"github.com/calvinalkan/blockcache/internal/lru"
)

func Test_List_PushFront_And_Get_Roundtrip(t *testing.T) {
	t.Parallel()

	l := lru.New[string, int]()

	e := l.PushFront("a", 1)

	got, ok := l.Get("a")
	if !ok {
		t.Fatal("expected key to be present")
	}

	if got != e {
		t.Fatal("Get returned a different element than PushFront")
	}

	if l.Value(got) != 1 {
		t.Fatalf("value = %d, want 1", l.Value(got))
	}
}

func Test_List_Back_Is_Eviction_Candidate(t *testing.T) {
	t.Parallel()

	l := lru.New[string, int]()

	l.PushFront("a", 1)
	l.PushFront("b", 2)
	l.PushFront("c", 3)

	back := l.Back()
	if l.Key(back) != "a" {
		t.Fatalf("back key = %v, want a", l.Key(back))
	}
}

func Test_List_MoveToFront_Gives_Second_Chance(t *testing.T) {
	t.Parallel()

	l := lru.New[string, int]()

	l.PushFront("a", 1)
	l.PushFront("b", 2)

	back := l.Back()
	if l.Key(back) != "a" {
		t.Fatalf("back key = %v, want a", l.Key(back))
	}

	l.MoveToFront(back)

	if l.Key(l.Back()) != "b" {
		t.Fatalf("back key after move = %v, want b", l.Key(l.Back()))
	}
}

func Test_List_Remove_Drops_From_Index(t *testing.T) {
	t.Parallel()

	l := lru.New[string, int]()

	e := l.PushFront("a", 1)
	l.Remove(e)

	if _, ok := l.Get("a"); ok {
		t.Fatal("expected key to be gone after Remove")
	}

	if l.Len() != 0 {
		t.Fatalf("len = %d, want 0", l.Len())
	}
}

func Test_List_PushFront_Duplicate_Key_Panics(t *testing.T) {
	t.Parallel()

	defer func() {
		if recover() == nil {
			t.Fatal("expected panic on duplicate key")
		}
	}()

	l := lru.New[string, int]()
	l.PushFront("a", 1)
	l.PushFront("a", 2)
}

func Test_ClampChances_Bounds(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in   int
		want uint8
	}{
		{-1, 0},
		{0, 0},
		{127, 127},
		{128, 127},
		{5000, 127},
	}

	for _, tc := range cases {
		if got := lru.ClampChances(tc.in); got != tc.want {
			t.Errorf("ClampChances(%d) = %d, want %d", tc.in, got, tc.want)
		}
	}
}
