package ecdh

import "testing"

func TestSharedKeyAgreement(t *testing.T) {
	server, err := Generate()
	if err != nil {
		t.Fatalf("generate server key: %v", err)
	}
	client, err := Generate()
	if err != nil {
		t.Fatalf("generate client key: %v", err)
	}

	clientPub, err := ParsePeerPublicKey(client.PublicCompressed())
	if err != nil {
		t.Fatalf("parse client pubkey: %v", err)
	}
	serverPub, err := ParsePeerPublicKey(server.PublicCompressed())
	if err != nil {
		t.Fatalf("parse server pubkey: %v", err)
	}

	var sessionID [16]byte
	copy(sessionID[:], []byte("0123456789abcdef"))

	serverKey, err := DeriveChannelKey(server, clientPub, sessionID)
	if err != nil {
		t.Fatalf("server derive: %v", err)
	}
	clientKey, err := DeriveChannelKey(client, serverPub, sessionID)
	if err != nil {
		t.Fatalf("client derive: %v", err)
	}
	if serverKey != clientKey {
		t.Fatal("server and client derived different channel keys")
	}
}

func TestDeriveChannelKeyBindsSessionID(t *testing.T) {
	server, _ := Generate()
	client, _ := Generate()
	clientPub, _ := ParsePeerPublicKey(client.PublicCompressed())

	var idA, idB [16]byte
	copy(idA[:], []byte("session-id-aaaaa"))
	copy(idB[:], []byte("session-id-bbbbb"))

	keyA, err := DeriveChannelKey(server, clientPub, idA)
	if err != nil {
		t.Fatalf("derive a: %v", err)
	}
	keyB, err := DeriveChannelKey(server, clientPub, idB)
	if err != nil {
		t.Fatalf("derive b: %v", err)
	}
	if keyA == keyB {
		t.Fatal("channel key did not change with session id")
	}
}

func TestParsePeerPublicKeyAcceptsCompressedAndUncompressed(t *testing.T) {
	kp, err := Generate()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if _, err := ParsePeerPublicKey(kp.PublicCompressed()); err != nil {
		t.Fatalf("parse compressed: %v", err)
	}
	if _, err := ParsePeerPublicKey(kp.PublicUncompressed()); err != nil {
		t.Fatalf("parse uncompressed: %v", err)
	}
}

func TestParsePeerPublicKeyRejectsInvalidLength(t *testing.T) {
	if _, err := ParsePeerPublicKey(make([]byte, 10)); err != ErrInvalidPoint {
		t.Fatalf("got %v, want ErrInvalidPoint", err)
	}
}

func TestParsePeerPublicKeyRejectsGarbage(t *testing.T) {
	garbage := make([]byte, 33)
	garbage[0] = 0x02
	for i := 1; i < 33; i++ {
		garbage[i] = 0xff
	}
	if _, err := ParsePeerPublicKey(garbage); err == nil {
		t.Fatal("expected error for invalid compressed point")
	}
}
