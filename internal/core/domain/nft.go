package domain

import "strconv"

// TokenClass distinguishes the two NFTs minted per stream: the obligation
// token held by the payer side and the recipient token held by the payee.
type TokenClass string

const (
	TokenObligation TokenClass = "obligation"
	TokenRecipient  TokenClass = "recipient"
)

const EntityNFT = "nft"

// NFTOwnership mirrors current ownership of one stream-backed token.
type NFTOwnership struct {
	Class    TokenClass `db:"class"`
	TokenID  uint64     `db:"token_id"`
	StreamID uint64     `db:"stream_id"`
	Owner    string     `db:"owner"`
}

func nftEntityID(class TokenClass, tokenID uint64) string {
	return string(class) + ":" + strconv.FormatUint(tokenID, 10)
}

// NFT event payloads.

type ObligationMinted struct {
	TokenID  uint64
	StreamID uint64
	Owner    string
}

func (ObligationMinted) Kind() EventKind { return KindObligationMinted }
func (e ObligationMinted) EntityRef() (string, string) {
	return EntityNFT, nftEntityID(TokenObligation, e.TokenID)
}

type ObligationTransferred struct {
	TokenID  uint64
	StreamID uint64
	From     string
	To       string
}

func (ObligationTransferred) Kind() EventKind { return KindObligationTransferred }
func (e ObligationTransferred) EntityRef() (string, string) {
	return EntityNFT, nftEntityID(TokenObligation, e.TokenID)
}

type RecipientMinted struct {
	TokenID  uint64
	StreamID uint64
	Owner    string
}

func (RecipientMinted) Kind() EventKind { return KindRecipientMinted }
func (e RecipientMinted) EntityRef() (string, string) {
	return EntityNFT, nftEntityID(TokenRecipient, e.TokenID)
}

// RecipientTransferred also retargets the joined stream's recipient: the
// payee side of the stream follows the token.
type RecipientTransferred struct {
	TokenID  uint64
	StreamID uint64
	From     string
	To       string
}

func (RecipientTransferred) Kind() EventKind { return KindRecipientTransferred }
func (e RecipientTransferred) EntityRef() (string, string) {
	return EntityNFT, nftEntityID(TokenRecipient, e.TokenID)
}
