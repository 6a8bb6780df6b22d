package descriptor

import (
	"encoding/binary"
	"fmt"
)

const (
	// GateSize is the size of a 64-bit IDT entry.
	GateSize = 16
	// Vectors is the number of IDT entries.
	Vectors = 256

	// IDTLimit covers every vector.
	IDTLimit = Vectors*GateSize - 1

	gateInterrupt64 = 14
)

// Gate encodes a present 64-bit interrupt gate with IST 0.
func Gate(offset uint64, dpl uint8, selector uint16) [GateSize]byte {
	var g [GateSize]byte

	binary.LittleEndian.PutUint16(g[0:], uint16(offset))
	binary.LittleEndian.PutUint16(g[2:], selector)
	g[4] = 0
	g[5] = gateInterrupt64 | (dpl&3)<<5 | 1<<7
	binary.LittleEndian.PutUint16(g[6:], uint16(offset>>16))
	binary.LittleEndian.PutUint32(g[8:], uint32(offset>>32))

	return g
}

// SetGate writes the gate for vector into idt.
func SetGate(idt []byte, vector int, offset uint64, dpl uint8, selector uint16) error {
	off := vector * GateSize
	if vector < 0 || vector >= Vectors || off+GateSize > len(idt) {
		return fmt.Errorf("vector %d: %w", vector, errSlot)
	}

	g := Gate(offset, dpl, selector)
	copy(idt[off:], g[:])

	return nil
}

// InstallHandler points vector's slot of the dispatch table at addr. Zero
// removes the handler.
func InstallHandler(table []byte, vector int, addr uint64) error {
	off := vector * 8
	if vector < 0 || vector >= Vectors || off+8 > len(table) {
		return fmt.Errorf("handler %d: %w", vector, errSlot)
	}

	binary.LittleEndian.PutUint64(table[off:], addr)

	return nil
}
