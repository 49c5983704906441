package ttsprovider

import "testing"

func TestRegistry_Get(t *testing.T) {
	el := NewElevenLabsProvider("key1", nil)
	ct := NewCartesiaProvider("key2", nil)
	r := NewRegistry(el, ct)

	p, ok := r.Get(ElevenLabs)
	if !ok {
		t.Fatal("expected elevenlabs provider to be registered")
	}
	if p.Name() != ElevenLabs {
		t.Errorf("Name() = %q, want %q", p.Name(), ElevenLabs)
	}

	if _, ok := r.Get("unknown"); ok {
		t.Error("expected unknown provider to be absent")
	}
}
