package models

// NFTFilter selects NFTs for listing
type NFTFilter struct {
	Owner     string `json:"owner,omitempty"`
	Creator   string `json:"creator,omitempty"`
	First     int    `json:"first"`
	Skip      int    `json:"skip"`
	OrderDesc bool   `json:"orderDesc"`
}

// TransactionFilter selects transactions for listing
type TransactionFilter struct {
	User  string `json:"user,omitempty"`
	Hash  string `json:"transactionHash,omitempty"`
	First int    `json:"first"`
	Skip  int    `json:"skip"`
}

// TransferFilter selects transfers for listing
type TransferFilter struct {
	NFT   string `json:"nft,omitempty"`
	First int    `json:"first"`
	Skip  int    `json:"skip"`
}
