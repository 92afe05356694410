package pagination

import "testing"

func TestNew_Defaults(t *testing.T) {
	p := New(0, 0)
	if p.Limit != DefaultLimit {
		t.Errorf("expected default limit %d, got %d", DefaultLimit, p.Limit)
	}
	if p.Offset != 0 {
		t.Errorf("expected default offset 0, got %d", p.Offset)
	}
}

func TestNew_ClampsLimit(t *testing.T) {
	p := New(MaxLimit+50, 10)
	if p.Limit != MaxLimit {
		t.Errorf("expected limit %d, got %d", MaxLimit, p.Limit)
	}
	if p.Offset != 10 {
		t.Errorf("expected offset 10, got %d", p.Offset)
	}
}

func TestNew_NegativeOffset(t *testing.T) {
	p := New(10, -3)
	if p.Offset != 0 {
		t.Errorf("expected offset 0, got %d", p.Offset)
	}
}

func TestNewResponse_HasMore(t *testing.T) {
	r := NewResponse([]int{1, 2}, 5, 2, 0)
	if !r.HasMore {
		t.Error("expected has_more when total exceeds page")
	}
	r = NewResponse([]int{5}, 5, 2, 4)
	if r.HasMore {
		t.Error("expected no more results on last page")
	}
}

func TestParams_Next(t *testing.T) {
	p := Params{Limit: 20, Offset: 40}
	if !p.HasNext(61) {
		t.Error("expected next page")
	}
	if p.HasNext(60) {
		t.Error("expected no next page")
	}
	if p.NextOffset() != 60 {
		t.Errorf("expected next offset 60, got %d", p.NextOffset())
	}
}
