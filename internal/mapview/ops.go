package mapview

// OpType names a surface operation.
type OpType string

const (
	OpAdd    OpType = "add"
	OpMove   OpType = "move"
	OpRemove OpType = "remove"
	OpView   OpType = "view"
)

// Op is a serialisable surface operation for remote map clients.
type Op struct {
	Op     OpType    `json:"op"`
	Marker *Marker   `json:"marker,omitempty"`
	View   *Viewport `json:"view,omitempty"`
}

// OpBuffer is a Surface that records operations until drained. Markers are
// copied so later in-place moves do not rewrite recorded operations.
type OpBuffer struct {
	ops []Op
}

func (b *OpBuffer) AddMarker(m *Marker)    { b.push(OpAdd, m) }
func (b *OpBuffer) MoveMarker(m *Marker)   { b.push(OpMove, m) }
func (b *OpBuffer) RemoveMarker(m *Marker) { b.push(OpRemove, m) }

func (b *OpBuffer) FlyTo(v Viewport) {
	b.ops = append(b.ops, Op{Op: OpView, View: &v})
}

func (b *OpBuffer) push(op OpType, m *Marker) {
	c := *m
	b.ops = append(b.ops, Op{Op: op, Marker: &c})
}

// Drain returns and clears the recorded operations.
func (b *OpBuffer) Drain() []Op {
	ops := b.ops
	b.ops = nil
	return ops
}
