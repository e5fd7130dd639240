package rv32

// Field extraction for the standard RV32 instruction layouts.
// Immediates are returned sign-extended to 32 bits, except parseImmTypeU
// which returns the raw 20-bit upper immediate field.

func parseImmTypeI(instr uint32) uint32 {
	return signExtend32(shr32(20, instr), 11)
}

func parseImmTypeS(instr uint32) uint32 {
	return signExtend32(or32(shl32(5, shr32(25, instr)), and32(shr32(7, instr), 0x1F)), 11)
}

func parseImmTypeB(instr uint32) uint32 {
	return signExtend32(
		or32(
			or32(
				shl32(1, and32(shr32(8, instr), 0xF)),
				shl32(5, and32(shr32(25, instr), 0x3F)),
			),
			or32(
				shl32(11, and32(shr32(7, instr), 1)),
				shl32(12, shr32(31, instr)),
			),
		),
		12,
	)
}

func parseImmTypeU(instr uint32) uint32 {
	return shr32(12, instr)
}

func parseImmTypeJ(instr uint32) uint32 {
	return signExtend32(
		or32(
			or32(
				shl32(1, and32(shr32(21, instr), 0x3FF)),
				shl32(11, and32(shr32(20, instr), 1)),
			),
			or32(
				shl32(12, and32(shr32(12, instr), 0xFF)),
				shl32(20, shr32(31, instr)),
			),
		),
		20,
	)
}

func parseCSR(instr uint32) uint32 {
	return shr32(20, instr)
}

func parseOpcode(instr uint32) uint32 {
	return and32(instr, 0x7F)
}

func parseRd(instr uint32) uint32 {
	return and32(shr32(7, instr), 0x1F)
}

func parseFunct3(instr uint32) uint32 {
	return and32(shr32(12, instr), 0x7)
}

func parseRs1(instr uint32) uint32 {
	return and32(shr32(15, instr), 0x1F)
}

func parseRs2(instr uint32) uint32 {
	return and32(shr32(20, instr), 0x1F)
}

func parseFunct7(instr uint32) uint32 {
	return shr32(25, instr)
}
