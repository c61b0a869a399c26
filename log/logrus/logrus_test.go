package logrus

import (
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"

	"github.com/unkn0wn-root/statekv"
)

func TestWritesFieldsAndComponent(t *testing.T) {
	base, hook := test.NewNullLogger()
	base.SetLevel(logrus.DebugLevel)
	l := New(base)

	l.Error("storage write dropped", statekv.Fields{"op": "multiSet", "reason": "no_victim"})

	e := hook.LastEntry()
	if e == nil || e.Level != logrus.ErrorLevel {
		t.Fatalf("entry: %+v", e)
	}
	if e.Data["component"] != "statekv" || e.Data["reason"] != "no_victim" {
		t.Fatalf("data: %v", e.Data)
	}
}
