/*
Package desfire drives MIFARE DESFire EV1, EV2 and EV3 cards: authentication, secure messaging and the usual application and file commands.

Commands are sent in the ISO 7816-4 wrapped form (CLA 0x90). A response whose status is 91AF carries a partial payload and asks for an additional frame, which the session requests transparently, so every exported method deals with whole payloads.

# Sessions and Keys

A Session owns a transport and a CryptoContext. The context holds the live authentication (method, key number, session key, IV or EV2 counters) and a key table indexed by application and key number. SelectApplication always drops the authentication and clears the table, as the card does.

Keys are described by a Key value: a type (DES/2K3DES, 3K3DES, AES), a version and a KeyStorage telling where the secret lives.

  - MemoryStorage: the key bytes are in Key.Data.
  - SAMStorage: the key sits in a MIFARE SAM slot and the SAM runs the handshake.
  - PKCSStorage: an AES key on a PKCS#11 token, reached through an AESService.

An optional Diversifier derives the card key from the master key and the card UID (NXP AN10922 / AV2, AV1, Sagem, Omnitech).

# Handshakes

Authenticate picks the handshake from the key type and the card generation. AuthenticateWith forces one:

	0x0A  legacy      DES / 2K3DES, D40 secure messaging
	0x1A  native ISO  3DES and 3K3DES, CMAC secure messaging
	0xAA  AES         AES-128, CMAC secure messaging
	0x84  ISO 7816-4  GET CHALLENGE then EXTERNAL and INTERNAL AUTHENTICATE
	0x71  EV2 first   AES, EV2 secure messaging with command counter and transaction identifier

# Communication Modes

File commands take a CommMode. Plain data is sent as is, MAC data carries a 4 or 8 byte MAC, enciphered data is padded, protected by a CRC and encrypted with the session key. After an EV1 or ISO authentication even plain commands advance the CMAC chain.

# Usage Example

	s := desfire.NewSession(reader, desfire.WithLogger(logger))
	if err := s.SelectApplication(0xF54230); err != nil {
	    return err
	}
	key, _ := desfire.ParseKey(desfire.KeyAES, "00000000000000000000000000000000")
	if err := s.Authenticate(0, key); err != nil {
	    return err
	}
	data, err := s.ReadFile(1)
*/
package desfire
