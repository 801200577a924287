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

package breakpoint

// trapInstructionSize is len(BRK #0) on arm64: one 4-byte instruction.
const trapInstructionSize = 4

// trapInstruction is the BRK #0 encoding, little-endian.
var trapInstruction = [trapInstructionSize]byte{0x00, 0x00, 0x20, 0xD4}
