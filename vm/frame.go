package vm

// InstructionStream, LocalLayout, ArgsBytesize and ASTNodes are the only
// things the call-frame protocol needs out of a compiled callable;
// CompiledBlock gets them for free since it embeds CompiledDef (§3).

func (d *CompiledDef) InstructionStream() []byte     { return d.Instructions }
func (d *CompiledDef) LocalLayout() LocalVarLayout    { return d.Locals }
func (d *CompiledDef) ArgsBytesizeOf() int            { return d.ArgsBytesize }
func (d *CompiledDef) ASTNodes() map[int]ASTNode      { return d.Nodes }

// Frame is one call-frame protocol entry (§4.3). Def is always set; Block
// is non-nil only while this frame is executing a block body (pushed by
// call_block). PendingBlock/BlockOwnerFrameIndex model the block a
// call_with_block passed in - the block is not pushed onto the frame
// stack until the callee actually executes call_block (yields).
type Frame struct {
	Def   *CompiledDef
	Block *CompiledBlock
	IP    int

	// StackBottom is stack.Top() once this frame's own locals were
	// reserved - the frame's working operand stack grows further from
	// here for the remainder of its instructions.
	StackBottom int

	// CallerStackTop is the stack position to restore when this frame
	// leaves - the position the stack was at before its args were
	// pushed by the caller.
	CallerStackTop int

	// PendingBlock is the block a call_with_block attached to this
	// frame, consumed the first time this frame executes call_block.
	PendingBlock *CompiledBlock

	// BlockOwnerFrameIndex is the index of the frame that wrote the
	// call_with_block this frame's block closes over - i.e. whichever
	// frame the block's locals are actually shared with. -1 when this
	// frame has neither a pending block nor is itself a block frame.
	BlockOwnerFrameIndex int

	// RealFrameIndex is the def frame leave_def unwinds to: its own
	// index for a plain def frame, or the enclosing def's index for a
	// block frame (§4.3 step 4, non-local return).
	RealFrameIndex int
}

// FrameStack is the call-frame protocol's own stack, addressed strictly
// by index rather than by pointer (§4.3: "frames may never be referenced
// by pointer, since growth can relocate the backing storage").
type FrameStack struct {
	frames []Frame
}

func (fs *FrameStack) Len() int { return len(fs.frames) }

// TopIndex returns the index of the current frame, or -1 if empty.
func (fs *FrameStack) TopIndex() int { return len(fs.frames) - 1 }

func (fs *FrameStack) Get(i int) (Frame, error) {
	if i < 0 || i >= len(fs.frames) {
		return Frame{}, wrapFatal("frame-index", ErrFrameStackEmpty)
	}
	return fs.frames[i], nil
}

func (fs *FrameStack) Set(i int, f Frame) error {
	if i < 0 || i >= len(fs.frames) {
		return wrapFatal("frame-index", ErrFrameStackEmpty)
	}
	fs.frames[i] = f
	return nil
}

// Push appends f and returns its new index.
func (fs *FrameStack) Push(f Frame) int {
	fs.frames = append(fs.frames, f)
	return len(fs.frames) - 1
}

// Pop removes and returns the current top frame.
func (fs *FrameStack) Pop() (Frame, error) {
	idx := fs.TopIndex()
	if idx < 0 {
		return Frame{}, wrapFatal("frame-pop", ErrFrameStackEmpty)
	}
	f := fs.frames[idx]
	fs.frames = fs.frames[:idx]
	return f, nil
}

func (fs *FrameStack) Top() (Frame, error) { return fs.Get(fs.TopIndex()) }

// buildCallFrame reserves def's locals beyond whatever args the caller
// already pushed, and records the stack position to restore on leave
// (§4.3 step 1/2: plain call and call_with_block share this setup).
//
// Locals.MaxBytesize is the frame's *total* addressable region - args
// plus true locals together - so that get_local/set_local/
// get_local_pointer can use one offset space for both: an offset counts
// down from CallerStackTop, so offset 0 lands on the first argument the
// caller pushed and offsets beyond the (aligned) args region land on
// true locals reserved here.
func (interp *Interpreter) buildCallFrame(def *CompiledDef) (Frame, error) {
	argsAligned := interp.ctx.Align(def.ArgsBytesize)
	callerStackTop := interp.stack.Top() + argsAligned

	extra := def.Locals.MaxBytesize - argsAligned
	if extra < 0 {
		extra = 0
	}
	if _, err := interp.stack.GrowBy(extra); err != nil {
		return Frame{}, err
	}

	return Frame{
		Def:                  def,
		IP:                   0,
		StackBottom:          interp.stack.Top(),
		CallerStackTop:       callerStackTop,
		BlockOwnerFrameIndex: -1,
	}, nil
}

// Call implements the plain call instruction (§4.3 step 1): push a new
// frame over def with no block attached.
func (interp *Interpreter) Call(def *CompiledDef) error {
	frame, err := interp.buildCallFrame(def)
	if err != nil {
		return err
	}
	idx := interp.frames.Push(frame)
	frame.RealFrameIndex = idx
	return interp.frames.Set(idx, frame)
}

// CallWithBlock implements call_with_block (§4.3 step 2): push a new
// frame over def, recording block as pending and the currently
// executing frame as the block's lexical owner - the frame whose locals
// the block will share once it is actually yielded to via call_block.
func (interp *Interpreter) CallWithBlock(def *CompiledDef, block *CompiledBlock) error {
	ownerIdx := interp.frames.TopIndex()

	frame, err := interp.buildCallFrame(def)
	if err != nil {
		return err
	}
	frame.PendingBlock = block
	frame.BlockOwnerFrameIndex = ownerIdx

	idx := interp.frames.Push(frame)
	frame.RealFrameIndex = idx
	return interp.frames.Set(idx, frame)
}

// CallBlock implements call_block (§4.3 step 3): the currently executing
// frame yields to the block it was given, pushing a frame-copy that
// shares the owner frame's locals (StackBottom) rather than reserving
// any of its own.
func (interp *Interpreter) CallBlock() error {
	callerIdx := interp.frames.TopIndex()
	caller, err := interp.frames.Get(callerIdx)
	if err != nil {
		return err
	}
	if caller.PendingBlock == nil {
		return wrapFatal("call_block", ErrNoBlockCaller)
	}
	owner, err := interp.frames.Get(caller.BlockOwnerFrameIndex)
	if err != nil {
		return err
	}

	blockFrame := Frame{
		Def:                  owner.Def,
		Block:                caller.PendingBlock,
		IP:                   0,
		StackBottom:          owner.StackBottom,
		CallerStackTop:       interp.stack.Top(),
		BlockOwnerFrameIndex: caller.BlockOwnerFrameIndex,
		RealFrameIndex:       owner.RealFrameIndex,
	}
	interp.frames.Push(blockFrame)
	return nil
}

// Leave implements the ordinary leave instruction (§4.3 step 4): pop the
// current frame, restore the caller's stack position, and re-push the
// return value (if any) in its place.
func (interp *Interpreter) Leave(retBytesize int) error {
	idx := interp.frames.TopIndex()
	if idx < 0 {
		return wrapFatal("leave", ErrFrameStackEmpty)
	}
	frame, err := interp.frames.Get(idx)
	if err != nil {
		return err
	}

	ret, err := interp.popReturnValue(retBytesize)
	if err != nil {
		return err
	}
	if _, err := interp.frames.Pop(); err != nil {
		return err
	}
	return interp.restoreAfterLeave(frame.CallerStackTop, ret)
}

// LeaveDef implements leave_def (§4.3 step 4, non-local return): unwind
// every frame down through and including the enclosing def frame
// (current frame's RealFrameIndex), regardless of how many block frames
// sit in between.
func (interp *Interpreter) LeaveDef(retBytesize int) error {
	idx := interp.frames.TopIndex()
	if idx < 0 {
		return wrapFatal("leave_def", ErrFrameStackEmpty)
	}
	cur, err := interp.frames.Get(idx)
	if err != nil {
		return err
	}
	target, err := interp.frames.Get(cur.RealFrameIndex)
	if err != nil {
		return err
	}

	ret, err := interp.popReturnValue(retBytesize)
	if err != nil {
		return err
	}
	if err := interp.popThroughInclusive(cur.RealFrameIndex); err != nil {
		return err
	}
	return interp.restoreAfterLeave(target.CallerStackTop, ret)
}

// BreakBlock implements break_block (§4.3 step 4): unwind out of the
// block through and including the frame call_with_block built
// (real_frame_index + 1) - one frame shallower than leave_def's target -
// leaving the frame that executed call_with_block alive so it resumes at
// the instruction after call_with_block, with the break value in place
// of whatever that call would have returned.
func (interp *Interpreter) BreakBlock(retBytesize int) error {
	idx := interp.frames.TopIndex()
	if idx < 0 {
		return wrapFatal("break_block", ErrFrameStackEmpty)
	}
	cur, err := interp.frames.Get(idx)
	if err != nil {
		return err
	}
	if cur.BlockOwnerFrameIndex < 0 {
		return wrapFatal("break_block", ErrNoBlockCaller)
	}

	target := cur.RealFrameIndex + 1
	targetFrame, err := interp.frames.Get(target)
	if err != nil {
		return err
	}

	ret, err := interp.popReturnValue(retBytesize)
	if err != nil {
		return err
	}
	if err := interp.popThroughInclusive(target); err != nil {
		return err
	}
	return interp.restoreAfterLeave(targetFrame.CallerStackTop, ret)
}

func (interp *Interpreter) popReturnValue(retBytesize int) ([]byte, error) {
	if retBytesize <= 0 {
		return nil, nil
	}
	return interp.stack.PopBytes(retBytesize)
}

func (interp *Interpreter) popThroughInclusive(target int) error {
	for interp.frames.TopIndex() >= target {
		if _, err := interp.frames.Pop(); err != nil {
			return err
		}
	}
	return nil
}

func (interp *Interpreter) restoreAfterLeave(callerStackTop int, ret []byte) error {
	interp.stack.SetTop(callerStackTop)
	if len(ret) == 0 {
		return nil
	}
	return interp.stack.PushBytes(ret)
}
