package ppm

// // Sharding randomness derivation
// shard_prk = Extract(nonce, seed)
// coins = Expand(shard_prk, "shard_coins", L)
//
// The client draws a fresh seed per report. Binding the coins to the nonce
// keeps two reports from ever sharing proof randomness even if a seed is
// reused.
func deriveShardRandomness(kdf KDF, seed []byte, nonce Nonce, length int) []byte {
	shardPrk := kdf.Extract(nonce[:], seed)
	return kdf.Expand(shardPrk, []byte("shard_coins"), length)
}
