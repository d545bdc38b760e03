package iso7816

// AUTHENTICATION COMMANDS (ISO 7816-4):
// Mutual authentication is performed with three interindustry commands:
//
// 1. GET CHALLENGE (INS '84'):
//    The card returns Ne bytes of fresh random data (the card challenge).
//
// 2. EXTERNAL AUTHENTICATE (INS '82'):
//    The terminal proves knowledge of a key by returning a cryptogram computed
//    over the card challenge. P1 references the algorithm, P2 the key.
//
// 3. INTERNAL AUTHENTICATE (INS '88'):
//    The terminal sends its own challenge and the card answers with a
//    cryptogram the terminal verifies. P1/P2 as for EXTERNAL AUTHENTICATE.
//
// The algorithm reference in P1 is card specific. DESFire EV1 uses 0x02
// (2K3DES), 0x04 (3K3DES) and 0x09 (AES).

// GetChallenge creates a GET CHALLENGE command expecting n bytes of challenge.
func GetChallenge(cla Class, n int) *CommandAPDU {
	ins, _ := NewInstruction(INS_GET_CHALLENGE)
	return NewCommandAPDU(cla, ins, 0x00, 0x00, nil, n)
}

// ExternalAuthenticate creates an EXTERNAL AUTHENTICATE command carrying the
// terminal cryptogram. No response data is expected.
func ExternalAuthenticate(cla Class, algorithm, keyRef byte, cryptogram []byte) *CommandAPDU {
	ins, _ := NewInstruction(INS_EXTERNAL_AUTHENTICATE)
	return NewCommandAPDU(cla, ins, algorithm, keyRef, cryptogram, 0)
}

// InternalAuthenticate creates an INTERNAL AUTHENTICATE command carrying the
// terminal challenge and expecting a cryptogram of ne bytes.
func InternalAuthenticate(cla Class, algorithm, keyRef byte, challenge []byte, ne int) *CommandAPDU {
	ins, _ := NewInstruction(INS_INTERNAL_AUTHENTICATE)
	return NewCommandAPDU(cla, ins, algorithm, keyRef, challenge, ne)
}
