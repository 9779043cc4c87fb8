package pools

import (
	"math/big"

	"golang.org/x/crypto/sha3"
)

var uint256Mod = new(big.Int).Lsh(big.NewInt(1), 256)

// SelectWinners draws up to target unique accounts from participants.
//
// The loop runs exactly target times. Each iteration picks
// participants[seed mod len]; a pick that is already a winner is skipped
// without filling a slot, so the result may be shorter than target. The seed
// is re-mixed after every iteration as keccak256(seed || i), both operands
// 32-byte big-endian.
func SelectWinners(participants []string, target int, seed *big.Int) ([]string, error) {
	if len(participants) == 0 {
		return nil, ErrNoParticipants
	}
	winners := make([]string, 0, target)
	if target <= 0 {
		return winners, nil
	}

	n := big.NewInt(int64(len(participants)))
	cur := new(big.Int).Mod(seed, uint256Mod)
	idx := new(big.Int)
	picked := make(map[string]bool, target)

	for i := 0; i < target; i++ {
		idx.Mod(cur, n)
		candidate := participants[idx.Int64()]
		if !picked[candidate] {
			picked[candidate] = true
			winners = append(winners, candidate)
		}
		cur = mix(cur, uint64(i))
	}
	return winners, nil
}

func mix(seed *big.Int, i uint64) *big.Int {
	var buf [64]byte
	seed.FillBytes(buf[:32])
	new(big.Int).SetUint64(i).FillBytes(buf[32:])

	h := sha3.NewLegacyKeccak256()
	h.Write(buf[:])
	return new(big.Int).SetBytes(h.Sum(nil))
}
