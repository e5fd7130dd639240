package rv32

import "github.com/holiman/uint256"

// 32-bit arithmetic helpers. Shift helpers take the shift amount first,
// matching the operand order of the EVM-style helpers they derive from.

type U256 = uint256.Int

func u32Mask() uint32 {
	return 0xFFFF_FFFF
}

func signExtend32(v uint32, bit uint32) uint32 {
	switch and32(v, shl32(bit, 1)) {
	case 0:
		// fill with zeroes, by masking
		return and32(v, shr32(sub32(31, bit), u32Mask()))
	default:
		// fill with ones, by or-ing
		return or32(v, shl32(bit, u32Mask()))
	}
}

func signExtend32To256(v uint32) U256 {
	out := *uint256.NewInt(uint64(v))
	if v&(1<<31) != 0 {
		var ones U256
		ones.Not(&ones)
		ones.Lsh(&ones, 32)
		out.Or(&out, &ones)
	}
	return out
}

func u32ToU256(v uint32) U256 {
	return *uint256.NewInt(uint64(v))
}

// high32 returns bits [63:32] of the 256-bit two's complement product.
func high32(x, y U256) uint32 {
	var out U256
	out.Mul(&x, &y)
	out.Rsh(&out, 32)
	return uint32(out.Uint64())
}

func mulh32(x, y uint32) uint32 {
	return high32(signExtend32To256(x), signExtend32To256(y))
}

func mulhsu32(x, y uint32) uint32 {
	return high32(signExtend32To256(x), u32ToU256(y))
}

func mulhu32(x, y uint32) uint32 {
	return high32(u32ToU256(x), u32ToU256(y))
}

func add32(x, y uint32) uint32 {
	return x + y
}

func sub32(x, y uint32) uint32 {
	return x - y
}

func mul32(x, y uint32) uint32 {
	return x * y
}

func div32(x, y uint32) uint32 {
	if y == 0 {
		return u32Mask()
	}
	if x == 1<<31 && y == u32Mask() { // signed overflow
		return x
	}
	return uint32(int32(x) / int32(y))
}

func divu32(x, y uint32) uint32 {
	if y == 0 {
		return u32Mask()
	}
	return x / y
}

func rem32(x, y uint32) uint32 {
	if y == 0 {
		return x
	}
	if x == 1<<31 && y == u32Mask() {
		return 0
	}
	return uint32(int32(x) % int32(y))
}

func remu32(x, y uint32) uint32 {
	if y == 0 {
		return x
	}
	return x % y
}

func lt32(x, y uint32) uint32 {
	if x < y {
		return 1
	}
	return 0
}

func slt32(x, y uint32) uint32 {
	if int32(x) < int32(y) {
		return 1
	}
	return 0
}

func eq32(x, y uint32) uint32 {
	if x == y {
		return 1
	}
	return 0
}

func and32(x, y uint32) uint32 {
	return x & y
}

func or32(x, y uint32) uint32 {
	return x | y
}

func xor32(x, y uint32) uint32 {
	return x ^ y
}

func shl32(x, y uint32) uint32 {
	return y << x
}

func shr32(x, y uint32) uint32 {
	return y >> x
}

func sar32(x, y uint32) uint32 {
	return uint32(int32(y) >> x)
}
