package hkpair

// Pairing states, the value of the State item.
const (
	M1 byte = 0x01
	M2 byte = 0x02
	M3 byte = 0x03
	M4 byte = 0x04
	M5 byte = 0x05
	M6 byte = 0x06
)

// Pairing methods, the value of the Method item.
const (
	MethodPairSetup         byte = 0x00
	MethodPairSetupWithAuth byte = 0x01
	MethodPairVerify        byte = 0x02
	MethodAddPairing        byte = 0x03
	MethodDeletePairing     byte = 0x04
	MethodListPairings      byte = 0x05
)

// TLV types of pairing messages.
const (
	TypeMethod        byte = 0x00
	TypeIdentifier    byte = 0x01
	TypeSalt          byte = 0x02
	TypePublicKey     byte = 0x03
	TypeProof         byte = 0x04
	TypeEncryptedData byte = 0x05
	TypeState         byte = 0x06
	TypeError         byte = 0x07
	TypeRetryDelay    byte = 0x08
	TypeCertificate   byte = 0x09
	TypeSignature     byte = 0x0A
	TypePermissions   byte = 0x0B
	TypeFragmentData  byte = 0x0C
	TypeFragmentLast  byte = 0x0D
	TypeFlags         byte = 0x13
	TypeSeparator     byte = 0xFF
)

// Permissions of a pairing.
const (
	PermissionUser  byte = 0x00
	PermissionAdmin byte = 0x01
)

const (
	HTTPContentTypePairingTLV8 = "application/pairing+tlv8"
	HTTPContentTypeHAPJson     = "application/hap+json"

	PathPairSetup  = "/pair-setup"
	PathPairVerify = "/pair-verify"
	PathPairings   = "/pairings"

	// StatusConnectionAuthorizationRequired is sent for requests on a
	// connection that has not completed pair-verify.
	StatusConnectionAuthorizationRequired = 470

	maxIdentifierLength = 36
)
