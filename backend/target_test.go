package backend

import "testing"

func TestPhysRegMapping(t *testing.T) {
	assert(t, Linux.PhysReg(0) == physRAX, "r0 should map to rax on Linux")
	assert(t, Linux.PhysReg(1) == physRDI, "r1 should map to rdi on Linux (first SysV arg)")
	assert(t, Windows.PhysReg(1) == physRCX, "r1 should map to rcx on Windows (first Win64 arg)")
}

func TestShadowSpace(t *testing.T) {
	assert(t, Linux.ShadowSpace() == 0, "SysV requires no shadow space")
	assert(t, Windows.ShadowSpace() == 32, "Win64 requires 32 bytes of shadow space")
}

func TestTargetString(t *testing.T) {
	assert(t, Linux.String() == "linux", "got %q", Linux.String())
	assert(t, Windows.String() == "windows", "got %q", Windows.String())
}
