package tree

// RootInode is the fixed inode of the root directory.
const RootInode uint64 = 1

// Allocator hands out inode numbers in increasing order. The zero value
// is not usable; start from NewAllocator.
type Allocator struct {
	next uint64
}

// NewAllocator returns an allocator seeded right after the root inode.
func NewAllocator() Allocator {
	return Allocator{next: RootInode + 1}
}

// Alloc returns the next inode.
func (a *Allocator) Alloc() uint64 {
	ino := a.next
	a.next++
	return ino
}

// Next returns the inode the next Alloc will return.
func (a *Allocator) Next() uint64 {
	return a.next
}
