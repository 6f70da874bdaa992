package codec

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
	"syreclabs.com/go/faker"
)

type order struct {
	ID       string            `json:"id"`
	Customer string            `json:"customer"`
	Amount   float64           `json:"amount"`
	Tags     []string          `json:"tags,omitempty"`
	Meta     map[string]string `json:"meta,omitempty"`
}

func newOrder() order {
	return order{
		ID:       faker.RandomString(12),
		Customer: faker.Name().Name(),
		Amount:   float64(faker.RandomInt(1, 10000)),
		Tags:     []string{faker.Lorem().Word(), faker.Lorem().Word()},
		Meta:     map[string]string{"region": faker.Address().Country()},
	}
}

func TestCodecs(t *testing.T) {
	codecs := []Codec{JSON{}, MsgPack{}, Proto{}}
	for _, c := range codecs {
		t.Run(c.Name(), func(t *testing.T) {
			t.Run("struct item", func(t *testing.T) {
				want := newOrder()
				data, err := c.Marshal(want)
				if err != nil {
					t.Fatalf("Marshal failed: %v", err)
				}
				var got order
				if err := c.Unmarshal(data, &got); err != nil {
					t.Fatalf("Unmarshal failed: %v", err)
				}
				if diff := cmp.Diff(want, got); diff != "" {
					t.Errorf("item mismatch (-want +got):\n%s", diff)
				}
			})

			t.Run("string item", func(t *testing.T) {
				data, err := c.Marshal("hello")
				if err != nil {
					t.Fatalf("Marshal failed: %v", err)
				}
				var got string
				if err := c.Unmarshal(data, &got); err != nil {
					t.Fatalf("Unmarshal failed: %v", err)
				}
				if got != "hello" {
					t.Errorf("expected hello, got %s", got)
				}
			})

			t.Run("garbage fails with decode error", func(t *testing.T) {
				var got order
				err := c.Unmarshal([]byte{0xc1, 0xff, 0x00}, &got)
				if !errors.Is(err, ErrDecodeFailure) {
					t.Errorf("expected ErrDecodeFailure, got %v", err)
				}
			})
		})
	}
}

func TestProtoMessage(t *testing.T) {
	c := Proto{}
	data, err := c.Marshal(wrapperspb.String("range-1"))
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	var got wrapperspb.StringValue
	if err := c.Unmarshal(data, &got); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if got.GetValue() != "range-1" {
		t.Errorf("expected range-1, got %s", got.GetValue())
	}

	t.Run("generic values go through structpb", func(t *testing.T) {
		data, err := c.Marshal(map[string]any{"n": 1.5})
		if err != nil {
			t.Fatalf("Marshal failed: %v", err)
		}
		var val structpb.Value
		if err := c.Unmarshal(data, &val); err != nil {
			t.Fatalf("Unmarshal failed: %v", err)
		}
		if got := val.GetStructValue().GetFields()["n"].GetNumberValue(); got != 1.5 {
			t.Errorf("expected 1.5, got %v", got)
		}
	})
}

func TestByName(t *testing.T) {
	for _, name := range []string{"json", "msgpack", "proto"} {
		c, ok := ByName(name)
		if !ok || c.Name() != name {
			t.Errorf("ByName(%q) = %v, %v", name, c, ok)
		}
	}
	if _, ok := ByName("gob"); ok {
		t.Error("expected unknown codec")
	}
	if Default().Name() != "json" {
		t.Errorf("expected json default, got %s", Default().Name())
	}
}
