// Copyright 2018 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

//go:build arm64
// +build arm64

package archstep

import "encoding/binary"

// decodeNext handles arm64's fixed 4-byte instruction width and the
// common unconditional branch forms: B (unconditional, imm26) and BL
// (call, imm26). Every other instruction — including all conditional
// branches and register-indirect branches (BR/BLR/RET) — falls through
// to the fixed 4-byte advance, which is always correct for non-branch
// instructions given arm64's uniform instruction size.
func decodeNext(io MemReader, pid int32, ip uintptr) (uintptr, error) {
	raw, err := peekN(io, pid, ip, 4)
	if err != nil {
		return 0, err
	}
	word := binary.LittleEndian.Uint32(raw)

	const (
		opB  = 0x05 // bits [31:26] of an unconditional B
		opBL = 0x25 // bits [31:26] of BL
	)
	op := word >> 26
	if op == opB || op == opBL {
		imm26 := int32(word & 0x03FFFFFF)
		// Sign-extend a 26-bit field and scale by 4 (instructions are
		// word-aligned).
		imm26 = (imm26 << 6) >> 6
		return uintptr(int64(ip) + int64(imm26)*4), nil
	}
	return ip + 4, nil
}
