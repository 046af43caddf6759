package inventory

import "context"

// File is the optional file-level detail of a block. It is loaded lazily
// through the file cache and never needed for block or dataset decisions.
type File struct {
	LFN   string
	Block Ref[Block]
	Size  int64
	ID    int64
}

// NewFile returns a detached file of the block with the given full name.
func NewFile(block string, lfn string, size int64) *File {
	return &File{LFN: lfn, Block: Unresolved[Block](block), Size: size}
}

func (f *File) Key() string  { return f.LFN }
func (f *File) Kind() string { return KindFile }

func (f *File) Clone() *File {
	c := *f
	c.Block = f.Block.Detach()
	return &c
}

func (f *File) EmbedInto(inv *Inventory, checkOnly bool) (Entity, bool, error) {
	block, err := inv.resolveBlock(f.Block.Name(), f.LFN)
	if err != nil {
		return nil, false, err
	}

	canonical := f.Clone()
	canonical.Block = Resolved(block)

	files, cached := inv.files.Peek(block.Key())
	if !cached {
		// the list is not loaded; the next load will see the stored file
		if inv.files.Known(f, block.Key()) {
			return canonical, false, nil
		}
		inv.files.Remember(f, block.Key())
		return canonical, true, nil
	}
	defer inv.files.Remember(f, block.Key())
	for i, existing := range files {
		if existing.LFN != f.LFN {
			continue
		}
		if existing.Size == f.Size && existing.ID == f.ID {
			return existing, false, nil
		}
		updated := append([]*File(nil), files...)
		updated[i] = canonical
		inv.files.Put(block.Key(), updated)
		return canonical, true, nil
	}
	inv.files.Put(block.Key(), append(append([]*File(nil), files...), canonical))
	return canonical, true, nil
}

func (f *File) UnlinkFrom(inv *Inventory) Entity {
	block, err := inv.resolveBlock(f.Block.Name(), f.LFN)
	if err != nil {
		return nil
	}
	inv.files.Forget(f.LFN)
	files, cached := inv.files.Peek(block.Key())
	if !cached {
		removed := f.Clone()
		removed.Block = Resolved(block)
		return removed
	}
	for i, existing := range files {
		if existing.LFN == f.LFN {
			remaining := append(append([]*File(nil), files[:i]...), files[i+1:]...)
			inv.files.Put(block.Key(), remaining)
			return existing
		}
	}
	return nil
}

func (f *File) WriteInto(ctx context.Context, store Store) error {
	return store.SaveFile(ctx, f)
}

func (f *File) DeleteFrom(ctx context.Context, store Store) error {
	return store.DeleteFile(ctx, f)
}
