package kubernetes

import (
	core "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/types"
	client "k8s.io/client-go/kubernetes"
	"k8s.io/client-go/kubernetes/scheme"
	typedcore "k8s.io/client-go/kubernetes/typed/core/v1"
	"k8s.io/client-go/tools/record"
)

// An EventRecorder emits Kubernetes events for nodes handled by this process.
type EventRecorder interface {
	NodeEventf(obj *core.Node, eventtype, reason, messageFmt string, args ...interface{})
}

type eventRecorder struct {
	recorder record.EventRecorder
}

// NewEventRecorder returns an EventRecorder backed by the given client-go
// recorder.
func NewEventRecorder(r record.EventRecorder) EventRecorder {
	return &eventRecorder{recorder: r}
}

func (e *eventRecorder) NodeEventf(obj *core.Node, eventtype, reason, messageFmt string, args ...interface{}) {
	// Events must be associated with this object reference, rather than the
	// node itself, in order to appear under `kubectl describe node` due to
	// the way that command is implemented.
	// https://github.com/kubernetes/kubernetes/blob/17740a2/pkg/printers/internalversion/describe.go#L2711
	ref := &core.ObjectReference{Kind: "Node", Name: obj.GetName(), UID: types.UID(obj.GetName())}
	e.recorder.Eventf(ref, eventtype, reason, messageFmt, args...)
}

// BuildEventRecorder wires an EventRecorder to the cluster event sink.
func BuildEventRecorder(cs client.Interface) EventRecorder {
	b := record.NewBroadcaster()
	b.StartRecordingToSink(&typedcore.EventSinkImpl{Interface: cs.CoreV1().Events("")})
	return NewEventRecorder(b.NewRecorder(scheme.Scheme, core.EventSource{Component: Component}))
}

// NoopEventRecorder discards all events.
type NoopEventRecorder struct{}

func (NoopEventRecorder) NodeEventf(_ *core.Node, _, _, _ string, _ ...interface{}) {}

var _ EventRecorder = NoopEventRecorder{}
