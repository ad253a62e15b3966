package realtime

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/hitushen/mcwatch/internal/metrics"
	"github.com/hitushen/mcwatch/internal/models"
)

func TestPublishFanOut(t *testing.T) {
	b := NewBroker(nil)
	a, cancelA := b.Subscribe(4)
	c, cancelC := b.Subscribe(4)
	defer cancelA()
	defer cancelC()

	b.Publish(models.MonitorEvent{Seq: 1, Kind: models.EventOnline})
	for _, ch := range []<-chan models.MonitorEvent{a, c} {
		evt := <-ch
		if evt.Seq != 1 || evt.Kind != models.EventOnline {
			t.Fatalf("event = %+v", evt)
		}
	}
}

func TestSlowSubscriberDrops(t *testing.T) {
	m := metrics.New(prometheus.NewRegistry())
	b := NewBroker(m)
	ch, cancel := b.Subscribe(1)
	defer cancel()

	b.Publish(models.MonitorEvent{Seq: 1})
	b.Publish(models.MonitorEvent{Seq: 2})
	b.Publish(models.MonitorEvent{Seq: 3})

	if evt := <-ch; evt.Seq != 1 {
		t.Fatalf("first event = %+v", evt)
	}
	if got := testutil.ToFloat64(m.BrokerDropped); got != 2 {
		t.Fatalf("dropped = %v", got)
	}
}

func TestCleanupAndClose(t *testing.T) {
	b := NewBroker(nil)
	ch, cancel := b.Subscribe(0)
	cancel()
	cancel()
	if _, ok := <-ch; ok {
		t.Fatalf("channel open after cleanup")
	}
	if b.Subscribers() != 0 {
		t.Fatalf("subscribers = %d", b.Subscribers())
	}

	other, cancelOther := b.Subscribe(0)
	b.Close()
	cancelOther()
	if _, ok := <-other; ok {
		t.Fatalf("channel open after Close")
	}
	b.Publish(models.MonitorEvent{Seq: 9})

	late, _ := b.Subscribe(0)
	if _, ok := <-late; ok {
		t.Fatalf("subscribe after Close returned an open channel")
	}
}
