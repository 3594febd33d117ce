package intercept

import (
	"fmt"
	"sync"
	"testing"

	"github.com/nuetzliches/mgmtagent/internal/mgmt"
)

func TestChain_FirstMatchWinsInInsertionOrder(t *testing.T) {
	broad, err := ParseRule("app:*", "", WithName("broad"))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	narrow, err := ParseRule("app:type=Echo", "echo", WithName("narrow"))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	c := NewChain(broad, nil, narrow)
	if c.Len() != 2 {
		t.Fatalf("len=%d, want 2", c.Len())
	}

	name := mgmt.MustParseObjectName("app:type=Echo")
	if got := c.FirstMatching(name, "echo"); got != broad {
		t.Fatalf("first=%v, want broad", got.Name())
	}
	if !c.Remove(broad) {
		t.Fatalf("remove broad=false")
	}
	if got := c.FirstMatching(name, "echo"); got != narrow {
		t.Fatalf("first=%v, want narrow", got)
	}
	if got := c.FirstMatching(name, "other"); got != nil {
		t.Fatalf("first for other op=%v, want nil", got.Name())
	}
	if got := c.FirstTargetMatch(name); got != narrow {
		t.Fatalf("target match=%v, want narrow", got)
	}
	if c.Remove(broad) {
		t.Fatalf("second remove=true, want false")
	}
}

func TestChain_RemoveDropsFirstOccurrenceOnly(t *testing.T) {
	r := NewRule(nil, "op")
	other := NewRule(nil, "op")
	c := NewChain()
	c.Add(r)
	c.Add(other)
	c.Add(r)

	if !c.Remove(r) {
		t.Fatalf("remove=false")
	}
	rules := c.Rules()
	if len(rules) != 2 || rules[0] != other || rules[1] != r {
		t.Fatalf("rules after remove=%v", rules)
	}
}

func TestChain_RulesReturnsCopy(t *testing.T) {
	r := NewRule(nil, "")
	c := NewChain(r)
	rules := c.Rules()
	rules[0] = nil
	if c.Rules()[0] != r {
		t.Fatalf("chain mutated through Rules() copy")
	}
}

func TestChain_ConcurrentAddAndScan(t *testing.T) {
	c := NewChain()
	name := mgmt.MustParseObjectName("app:type=Echo")

	const writers = 8
	const perWriter = 50
	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				c.Add(NewRule(nil, fmt.Sprintf("op-%d-%d", w, i)))
			}
		}(w)
	}
	for s := 0; s < 4; s++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				_ = c.FirstMatching(name, "op-0-0")
				_ = c.Len()
			}
		}()
	}
	wg.Wait()

	if c.Len() != writers*perWriter {
		t.Fatalf("len=%d, want %d", c.Len(), writers*perWriter)
	}
	if c.FirstMatching(name, "op-3-7") == nil {
		t.Fatalf("expected rule for op-3-7")
	}
}

func TestRule_NameAndPattern(t *testing.T) {
	r := NewRule(nil, "")
	if r.Name() != "*:*#*" {
		t.Fatalf("name=%q", r.Name())
	}
	if _, ok := r.Pattern(); ok {
		t.Fatalf("pattern ok=true for nil pattern")
	}

	p := mgmt.MustParseObjectName("app:type=Echo")
	r = NewRule(&p, "echo")
	if r.Name() != "app:type=Echo#echo" {
		t.Fatalf("name=%q", r.Name())
	}
	if got, ok := r.Pattern(); !ok || !got.Equal(p) {
		t.Fatalf("pattern=%v ok=%v", got, ok)
	}

	if _, err := ParseRule("bad name", "x"); err == nil {
		t.Fatalf("expected parse error")
	}
}
