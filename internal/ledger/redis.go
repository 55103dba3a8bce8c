package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/krypton-pool/krypton-pool/internal/util"
)

const (
	keyPrefix = "krn:"

	// Key patterns
	keyShares       = keyPrefix + "shares:%s:%d"       // coin, height -> list of share JSON
	keyShareHeights = keyPrefix + "shares:%s:heights"  // coin -> zset of heights
	keyBlocks       = keyPrefix + "blocks:%s"          // coin -> hash key->block JSON
	keySharesRound  = keyPrefix + "shares:round:%s"    // coin -> hash addr->diff
	keyHashrate     = keyPrefix + "hashrate:%s"        // coin
	keyHashrateAddr = keyPrefix + "hashrate:%s:%s"     // coin, addr
	keyTrust        = keyPrefix + "trust"              // hash addr->trust JSON
	keyMiner        = keyPrefix + "miners:%s"          // addr
	keyMinerWorkers = keyPrefix + "miners:%s:workers"  // addr
	keyStats        = keyPrefix + "stats:%s"           // coin
	keyNetwork      = keyPrefix + "network:%s"         // coin
	keyFinders      = keyPrefix + "finders:%s"         // coin
	keyBlacklist    = keyPrefix + "blacklist"
	keyWhitelist    = keyPrefix + "whitelist"
	keyPayoutLock   = keyPrefix + "payout:lock"
)

// maxBlockKeyBump caps the monotonic suffix search when several blocks
// land on the same height
const maxBlockKeyBump = 32

// Ledger wraps Redis operations for shares, blocks and pool state
type Ledger struct {
	client *redis.Client
	ctx    context.Context
}

// New creates a new Redis-backed ledger
func New(url, password string, db int) (*Ledger, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     url,
		Password: password,
		DB:       db,
	})

	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	util.Info("Connected to Redis at ", url)
	return &Ledger{client: client, ctx: ctx}, nil
}

// NewFromClient wraps an existing Redis client (used by tests)
func NewFromClient(client *redis.Client) *Ledger {
	return &Ledger{client: client, ctx: context.Background()}
}

// Close closes the Redis connection
func (l *Ledger) Close() error {
	return l.client.Close()
}

// WriteShares appends coalesced share records to a coin's height list
// and updates the round counters, hashrate samples and miner liveness.
func (l *Ledger) WriteShares(coin string, shares []*Share, hashrateWindow time.Duration) error {
	if len(shares) == 0 {
		return nil
	}

	now := time.Now().Unix()
	ms := time.Now().UnixMilli()

	pipe := l.client.Pipeline()

	for i, share := range shares {
		data, err := json.Marshal(share)
		if err != nil {
			return err
		}

		heightKey := fmt.Sprintf(keyShares, coin, share.Height)
		pipe.RPush(l.ctx, heightKey, string(data))
		pipe.ZAdd(l.ctx, fmt.Sprintf(keyShareHeights, coin), &redis.Z{
			Score:  float64(share.Height),
			Member: strconv.FormatUint(share.Height, 10),
		})

		// Round counter credits decayed difficulty, not raw
		pipe.HIncrBy(l.ctx, fmt.Sprintf(keySharesRound, coin), share.Address, int64(share.RewardedDifficulty))

		// Hashrate samples use raw difficulty. The batch index keeps
		// zset members unique when one worker lands several shares at
		// the same difficulty within a flush.
		member := fmt.Sprintf("%d:%s:%s:%d:%d", share.Difficulty, share.Address, share.Worker, ms, i)
		pipe.ZAdd(l.ctx, fmt.Sprintf(keyHashrate, coin), &redis.Z{
			Score:  float64(now),
			Member: member,
		})
		addrKey := fmt.Sprintf(keyHashrateAddr, coin, share.Address)
		pipe.ZAdd(l.ctx, addrKey, &redis.Z{
			Score:  float64(now),
			Member: member,
		})
		pipe.Expire(l.ctx, addrKey, hashrateWindow)

		pipe.HSet(l.ctx, fmt.Sprintf(keyMiner, share.Address), "lastShare", now)
		if share.Worker != "" {
			pipe.HSet(l.ctx, fmt.Sprintf(keyMinerWorkers, share.Address), share.Worker, now)
		}
	}

	_, err := pipe.Exec(l.ctx)
	return err
}

// ScanShares walks share records from fromHeight downward, newest height
// first, calling visit for each decoded share. Scanning stops when visit
// returns false. Records that fail to decode are skipped and counted.
func (l *Ledger) ScanShares(coin string, fromHeight uint64, visit func(*Share) bool) error {
	heights, err := l.client.ZRevRangeByScore(l.ctx, fmt.Sprintf(keyShareHeights, coin), &redis.ZRangeBy{
		Min: "0",
		Max: strconv.FormatUint(fromHeight, 10),
	}).Result()
	if err != nil {
		return err
	}

	var skipped int
	for _, h := range heights {
		height, err := strconv.ParseUint(h, 10, 64)
		if err != nil {
			continue
		}

		records, err := l.client.LRange(l.ctx, fmt.Sprintf(keyShares, coin, height), 0, -1).Result()
		if err != nil {
			return err
		}

		for _, raw := range records {
			var share Share
			if err := json.Unmarshal([]byte(raw), &share); err != nil {
				skipped++
				continue
			}
			if !visit(&share) {
				if skipped > 0 {
					util.Warnf("Skipped %d undecodable share records for %s", skipped, coin)
				}
				return nil
			}
		}
	}

	if skipped > 0 {
		util.Warnf("Skipped %d undecodable share records for %s", skipped, coin)
	}
	return nil
}

// TrimSharesBelow deletes share lists for heights below the given height
func (l *Ledger) TrimSharesBelow(coin string, height uint64) error {
	indexKey := fmt.Sprintf(keyShareHeights, coin)
	heights, err := l.client.ZRangeByScore(l.ctx, indexKey, &redis.ZRangeBy{
		Min: "0",
		Max: "(" + strconv.FormatUint(height, 10),
	}).Result()
	if err != nil {
		return err
	}
	if len(heights) == 0 {
		return nil
	}

	pipe := l.client.Pipeline()
	for _, h := range heights {
		hv, err := strconv.ParseUint(h, 10, 64)
		if err != nil {
			continue
		}
		pipe.Del(l.ctx, fmt.Sprintf(keyShares, coin, hv))
		pipe.ZRem(l.ctx, indexKey, h)
	}
	_, err = pipe.Exec(l.ctx)
	return err
}

// blockKey builds the base field key for a block record
func blockKey(height uint64) string {
	return strconv.FormatUint(height, 10)
}

// WriteBlock stores a new block record. When another block already
// occupies the height key the key is bumped with a monotonic suffix, so
// competing solutions at one height never overwrite each other.
func (l *Ledger) WriteBlock(block *Block) error {
	hashKey := fmt.Sprintf(keyBlocks, block.Coin)
	base := blockKey(block.Height)

	for i := 0; i <= maxBlockKeyBump; i++ {
		key := base
		if i > 0 {
			key = fmt.Sprintf("%s-%d", base, i)
		}
		block.Key = key

		data, err := json.Marshal(block)
		if err != nil {
			return err
		}

		ok, err := l.client.HSetNX(l.ctx, hashKey, key, string(data)).Result()
		if err != nil {
			return err
		}
		if ok {
			// Finder credit and pool stats ride along with the record
			pipe := l.client.Pipeline()
			pipe.ZIncrBy(l.ctx, fmt.Sprintf(keyFinders, block.Coin), 1, block.Finder)
			pipe.HSet(l.ctx, fmt.Sprintf(keyStats, block.Coin), "lastBlockFound", block.Timestamp)
			pipe.HSet(l.ctx, fmt.Sprintf(keyStats, block.Coin), "lastBlockHeight", block.Height)
			pipe.HIncrBy(l.ctx, fmt.Sprintf(keyStats, block.Coin), "blocksFound", 1)
			pipe.HIncrBy(l.ctx, fmt.Sprintf(keyMiner, block.Finder), "blocksFound", 1)
			_, err = pipe.Exec(l.ctx)
			return err
		}
	}

	return fmt.Errorf("block key space exhausted at height %d", block.Height)
}

// GetBlock loads one block record by key
func (l *Ledger) GetBlock(coin, key string) (*Block, error) {
	raw, err := l.client.HGet(l.ctx, fmt.Sprintf(keyBlocks, coin), key).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var block Block
	if err := json.Unmarshal([]byte(raw), &block); err != nil {
		return nil, err
	}
	return &block, nil
}

// GetBlocks returns all block records for a coin
func (l *Ledger) GetBlocks(coin string) ([]*Block, error) {
	entries, err := l.client.HGetAll(l.ctx, fmt.Sprintf(keyBlocks, coin)).Result()
	if err != nil {
		return nil, err
	}

	blocks := make([]*Block, 0, len(entries))
	for _, raw := range entries {
		var block Block
		if err := json.Unmarshal([]byte(raw), &block); err != nil {
			continue
		}
		blocks = append(blocks, &block)
	}
	return blocks, nil
}

// updateBlock rewrites an existing block record in place
func (l *Ledger) updateBlock(block *Block) error {
	data, err := json.Marshal(block)
	if err != nil {
		return err
	}
	return l.client.HSet(l.ctx, fmt.Sprintf(keyBlocks, block.Coin), block.Key, string(data)).Err()
}

// InvalidateBlock marks a block as orphaned. Idempotent; an already
// unlocked block cannot be invalidated.
func (l *Ledger) InvalidateBlock(coin, key string) error {
	block, err := l.GetBlock(coin, key)
	if err != nil {
		return err
	}
	if block == nil {
		return fmt.Errorf("block %s/%s not found", coin, key)
	}
	if block.Invalidated {
		return nil
	}
	if block.Unlocked {
		return fmt.Errorf("block %s/%s already unlocked, cannot invalidate", coin, key)
	}

	// an orphan is resolved, not pending: unlocked with zero value
	block.Valid = false
	block.Invalidated = true
	block.Unlocked = true
	block.Reward = 0
	return l.updateBlock(block)
}

// UnlockBlock marks a block as valid and mature with its final reward.
// Idempotent; an invalidated block cannot be unlocked.
func (l *Ledger) UnlockBlock(coin, key string, reward uint64) error {
	block, err := l.GetBlock(coin, key)
	if err != nil {
		return err
	}
	if block == nil {
		return fmt.Errorf("block %s/%s not found", coin, key)
	}
	if block.Invalidated {
		return fmt.Errorf("block %s/%s is orphaned, cannot unlock", coin, key)
	}
	if block.Unlocked {
		return nil
	}

	block.Valid = true
	block.Unlocked = true
	block.Reward = reward
	block.FirstMissing = 0
	return l.updateBlock(block)
}

// MarkBlockPayReady flags an unlocked block as fully credited. Idempotent.
func (l *Ledger) MarkBlockPayReady(coin, key string) error {
	block, err := l.GetBlock(coin, key)
	if err != nil {
		return err
	}
	if block == nil {
		return fmt.Errorf("block %s/%s not found", coin, key)
	}
	if block.PayReady {
		return nil
	}
	if block.Invalidated {
		return fmt.Errorf("block %s/%s is orphaned, cannot mark pay-ready", coin, key)
	}
	if !block.Unlocked {
		return fmt.Errorf("block %s/%s not unlocked, cannot mark pay-ready", coin, key)
	}

	block.PayReady = true
	return l.updateBlock(block)
}

// MovePendingReward folds one pending block's reward into another block
// record, for chains that pay a found block's coinbase through a later
// block. The source ends up resolved with zero value; the target keeps
// its own state and carries the combined reward through unlock.
func (l *Ledger) MovePendingReward(coin, fromKey, toKey string) error {
	if fromKey == toKey {
		return fmt.Errorf("cannot move reward from block %s/%s onto itself", coin, fromKey)
	}

	from, err := l.GetBlock(coin, fromKey)
	if err != nil {
		return err
	}
	if from == nil {
		return fmt.Errorf("block %s/%s not found", coin, fromKey)
	}
	if from.Invalidated {
		return fmt.Errorf("block %s/%s is orphaned, nothing to move", coin, fromKey)
	}
	if from.Unlocked {
		return fmt.Errorf("block %s/%s already unlocked, cannot move its reward", coin, fromKey)
	}

	to, err := l.GetBlock(coin, toKey)
	if err != nil {
		return err
	}
	if to == nil {
		return fmt.Errorf("block %s/%s not found", coin, toKey)
	}
	if to.Invalidated {
		return fmt.Errorf("block %s/%s is orphaned, cannot receive a reward", coin, toKey)
	}

	to.Reward += from.Reward
	if err := l.updateBlock(to); err != nil {
		return err
	}

	from.Reward = 0
	from.Unlocked = true
	return l.updateBlock(from)
}

// MarkBlockMissing records when the daemon first failed to find the
// block hash. The timestamp is kept from the first sighting so the
// orphan retry window measures real elapsed time.
func (l *Ledger) MarkBlockMissing(coin, key string, now int64) error {
	block, err := l.GetBlock(coin, key)
	if err != nil || block == nil {
		return err
	}
	if block.FirstMissing != 0 {
		return nil
	}
	block.FirstMissing = now
	return l.updateBlock(block)
}

// ClearBlockMissing resets the missing marker after the daemon finds
// the block again
func (l *Ledger) ClearBlockMissing(coin, key string) error {
	block, err := l.GetBlock(coin, key)
	if err != nil || block == nil {
		return err
	}
	if block.FirstMissing == 0 {
		return nil
	}
	block.FirstMissing = 0
	return l.updateBlock(block)
}

// GetRoundShares returns the current round's per-address counters
func (l *Ledger) GetRoundShares(coin string) (map[string]uint64, error) {
	raw, err := l.client.HGetAll(l.ctx, fmt.Sprintf(keySharesRound, coin)).Result()
	if err != nil {
		return nil, err
	}

	shares := make(map[string]uint64, len(raw))
	for addr, v := range raw {
		c, _ := strconv.ParseUint(v, 10, 64)
		shares[addr] = c
	}
	return shares, nil
}

// ResetRoundShares clears the round counters after a block is found
func (l *Ledger) ResetRoundShares(coin string) error {
	return l.client.Del(l.ctx, fmt.Sprintf(keySharesRound, coin)).Err()
}

// SaveTrust persists wallet trust records
func (l *Ledger) SaveTrust(records map[string]*WalletTrust) error {
	if len(records) == 0 {
		return nil
	}

	pipe := l.client.Pipeline()
	for addr, trust := range records {
		data, err := json.Marshal(trust)
		if err != nil {
			return err
		}
		pipe.HSet(l.ctx, keyTrust, addr, string(data))
	}
	_, err := pipe.Exec(l.ctx)
	return err
}

// LoadTrust returns all persisted wallet trust records
func (l *Ledger) LoadTrust() (map[string]*WalletTrust, error) {
	raw, err := l.client.HGetAll(l.ctx, keyTrust).Result()
	if err != nil {
		return nil, err
	}

	records := make(map[string]*WalletTrust, len(raw))
	for addr, v := range raw {
		var trust WalletTrust
		if err := json.Unmarshal([]byte(v), &trust); err != nil {
			continue
		}
		records[addr] = &trust
	}
	return records, nil
}

// DeleteTrust removes persisted trust for an address
func (l *Ledger) DeleteTrust(address string) error {
	return l.client.HDel(l.ctx, keyTrust, address).Err()
}

// GetHashrate calculates pool hashrate from recent share samples
func (l *Ledger) GetHashrate(coin string, window time.Duration) (float64, error) {
	minTime := time.Now().Add(-window).Unix()

	results, err := l.client.ZRangeByScore(l.ctx, fmt.Sprintf(keyHashrate, coin), &redis.ZRangeBy{
		Min: strconv.FormatInt(minTime, 10),
		Max: "+inf",
	}).Result()
	if err != nil {
		return 0, err
	}

	var totalDiff uint64
	for _, result := range results {
		parts := strings.Split(result, ":")
		if len(parts) >= 1 {
			diff, _ := strconv.ParseUint(parts[0], 10, 64)
			totalDiff += diff
		}
	}

	return float64(totalDiff) / window.Seconds(), nil
}

// GetMinerHashrate calculates hashrate for a specific miner
func (l *Ledger) GetMinerHashrate(coin, address string, window time.Duration) (float64, error) {
	minTime := time.Now().Add(-window).Unix()

	results, err := l.client.ZRangeByScore(l.ctx, fmt.Sprintf(keyHashrateAddr, coin, address), &redis.ZRangeBy{
		Min: strconv.FormatInt(minTime, 10),
		Max: "+inf",
	}).Result()
	if err != nil {
		return 0, err
	}

	var totalDiff uint64
	for _, result := range results {
		parts := strings.Split(result, ":")
		if len(parts) >= 1 {
			diff, _ := strconv.ParseUint(parts[0], 10, 64)
			totalDiff += diff
		}
	}

	return float64(totalDiff) / window.Seconds(), nil
}

// GetMinerWorkers returns per-rig stats for a miner: liveness from the
// worker hash, hashrate summed from samples inside the window.
func (l *Ledger) GetMinerWorkers(coin, address string, window time.Duration) ([]Worker, error) {
	lastSeen, err := l.client.HGetAll(l.ctx, fmt.Sprintf(keyMinerWorkers, address)).Result()
	if err != nil {
		return nil, err
	}
	if len(lastSeen) == 0 {
		return nil, nil
	}

	minTime := time.Now().Add(-window).Unix()
	samples, err := l.client.ZRangeByScore(l.ctx, fmt.Sprintf(keyHashrateAddr, coin, address), &redis.ZRangeBy{
		Min: strconv.FormatInt(minTime, 10),
		Max: "+inf",
	}).Result()
	if err != nil {
		return nil, err
	}

	diffByWorker := make(map[string]uint64)
	for _, sample := range samples {
		parts := strings.Split(sample, ":")
		if len(parts) < 4 {
			continue
		}
		diff, _ := strconv.ParseUint(parts[0], 10, 64)
		diffByWorker[parts[2]] += diff
	}

	workers := make([]Worker, 0, len(lastSeen))
	for name, seen := range lastSeen {
		ts, _ := strconv.ParseInt(seen, 10, 64)
		workers = append(workers, Worker{
			Name:     name,
			Hashrate: float64(diffByWorker[name]) / window.Seconds(),
			LastSeen: ts,
		})
	}
	sort.Slice(workers, func(i, j int) bool { return workers[i].Name < workers[j].Name })
	return workers, nil
}

// PurgeStaleHashrate removes hashrate samples older than the window
func (l *Ledger) PurgeStaleHashrate(coin string, window time.Duration) error {
	maxTime := time.Now().Add(-window).Unix()
	_, err := l.client.ZRemRangeByScore(l.ctx, fmt.Sprintf(keyHashrate, coin), "-inf", strconv.FormatInt(maxTime, 10)).Result()
	return err
}

// GetMiner returns miner ledger data
func (l *Ledger) GetMiner(address string) (*Miner, error) {
	data, err := l.client.HGetAll(l.ctx, fmt.Sprintf(keyMiner, address)).Result()
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, nil
	}

	miner := &Miner{Address: address}
	if v, ok := data["blocksFound"]; ok {
		miner.BlocksFound, _ = strconv.ParseUint(v, 10, 64)
	}
	if v, ok := data["lastShare"]; ok {
		miner.LastShare, _ = strconv.ParseInt(v, 10, 64)
	}
	return miner, nil
}

// RecordShareOutcome bumps per-miner accepted/rejected counters
func (l *Ledger) RecordShareOutcome(address string, valid bool) error {
	field := "sharesValid"
	if !valid {
		field = "sharesInvalid"
	}
	return l.client.HIncrBy(l.ctx, fmt.Sprintf(keyMiner, address), field, 1).Err()
}

// SetNetworkStats updates cached chain state for a coin
func (l *Ledger) SetNetworkStats(coin string, stats *NetworkStats) error {
	key := fmt.Sprintf(keyNetwork, coin)
	pipe := l.client.Pipeline()
	pipe.HSet(l.ctx, key, "height", stats.Height)
	pipe.HSet(l.ctx, key, "difficulty", stats.Difficulty)
	pipe.HSet(l.ctx, key, "hashrate", stats.Hashrate)
	pipe.HSet(l.ctx, key, "lastBeat", stats.LastBeat)
	_, err := pipe.Exec(l.ctx)
	return err
}

// GetNetworkStats returns cached chain state for a coin
func (l *Ledger) GetNetworkStats(coin string) (*NetworkStats, error) {
	data, err := l.client.HGetAll(l.ctx, fmt.Sprintf(keyNetwork, coin)).Result()
	if err != nil {
		return nil, err
	}

	stats := &NetworkStats{}
	if v, ok := data["height"]; ok {
		stats.Height, _ = strconv.ParseUint(v, 10, 64)
	}
	if v, ok := data["difficulty"]; ok {
		stats.Difficulty, _ = strconv.ParseUint(v, 10, 64)
	}
	if v, ok := data["hashrate"]; ok {
		stats.Hashrate, _ = strconv.ParseFloat(v, 64)
	}
	if v, ok := data["lastBeat"]; ok {
		stats.LastBeat, _ = strconv.ParseInt(v, 10, 64)
	}
	return stats, nil
}

// GetPoolStats returns pool-wide statistics for a coin
func (l *Ledger) GetPoolStats(coin string, window, largeWindow time.Duration) (*PoolStats, error) {
	data, err := l.client.HGetAll(l.ctx, fmt.Sprintf(keyStats, coin)).Result()
	if err != nil {
		return nil, err
	}

	stats := &PoolStats{}
	if v, ok := data["lastBlockFound"]; ok {
		stats.LastBlockFound, _ = strconv.ParseInt(v, 10, 64)
	}
	if v, ok := data["lastBlockHeight"]; ok {
		stats.LastBlockHeight, _ = strconv.ParseUint(v, 10, 64)
	}
	if v, ok := data["blocksFound"]; ok {
		stats.BlocksFound, _ = strconv.ParseUint(v, 10, 64)
	}
	if v, ok := data["totalPaid"]; ok {
		stats.TotalPaid, _ = strconv.ParseUint(v, 10, 64)
	}

	round, err := l.GetRoundShares(coin)
	if err == nil {
		for _, c := range round {
			stats.RoundShares += c
		}
	}

	stats.Hashrate, _ = l.GetHashrate(coin, window)
	stats.HashrateLarge, _ = l.GetHashrate(coin, largeWindow)
	stats.Miners, _ = l.countActiveMiners(window)
	stats.Workers, _ = l.countActiveWorkers(window)

	return stats, nil
}

// countActiveMiners counts miners with recent activity
func (l *Ledger) countActiveMiners(window time.Duration) (int64, error) {
	minTime := time.Now().Add(-window).Unix()
	var count int64
	var cursor uint64

	for {
		keys, newCursor, err := l.client.Scan(l.ctx, cursor, keyPrefix+"miners:*", 1000).Result()
		if err != nil {
			return 0, err
		}

		for _, key := range keys {
			if strings.Contains(key, ":workers") {
				continue
			}

			lastShare, err := l.client.HGet(l.ctx, key, "lastShare").Int64()
			if err == nil && lastShare >= minTime {
				count++
			}
		}

		cursor = newCursor
		if cursor == 0 {
			break
		}
	}

	return count, nil
}

// countActiveWorkers counts workers with recent activity
func (l *Ledger) countActiveWorkers(window time.Duration) (int64, error) {
	minTime := time.Now().Add(-window).Unix()
	var count int64
	var cursor uint64

	for {
		keys, newCursor, err := l.client.Scan(l.ctx, cursor, keyPrefix+"miners:*:workers", 1000).Result()
		if err != nil {
			return 0, err
		}

		for _, key := range keys {
			workers, err := l.client.HGetAll(l.ctx, key).Result()
			if err != nil {
				continue
			}

			for _, lastSeenStr := range workers {
				lastSeen, err := strconv.ParseInt(lastSeenStr, 10, 64)
				if err == nil && lastSeen >= minTime {
					count++
				}
			}
		}

		cursor = newCursor
		if cursor == 0 {
			break
		}
	}

	return count, nil
}

// IsBlacklisted checks if an address is blacklisted
func (l *Ledger) IsBlacklisted(address string) (bool, error) {
	return l.client.SIsMember(l.ctx, keyBlacklist, address).Result()
}

// IsWhitelisted checks if an IP is whitelisted
func (l *Ledger) IsWhitelisted(ip string) (bool, error) {
	return l.client.SIsMember(l.ctx, keyWhitelist, ip).Result()
}

// AddToBlacklist adds an address to the blacklist
func (l *Ledger) AddToBlacklist(address string) error {
	return l.client.SAdd(l.ctx, keyBlacklist, address).Err()
}

// RemoveFromBlacklist removes an address from the blacklist
func (l *Ledger) RemoveFromBlacklist(address string) error {
	return l.client.SRem(l.ctx, keyBlacklist, address).Err()
}

// GetBlacklist returns all blacklisted addresses
func (l *Ledger) GetBlacklist() ([]string, error) {
	return l.client.SMembers(l.ctx, keyBlacklist).Result()
}

// GetWhitelist returns all whitelisted IPs
func (l *Ledger) GetWhitelist() ([]string, error) {
	return l.client.SMembers(l.ctx, keyWhitelist).Result()
}

// AddToWhitelist adds an IP to the whitelist
func (l *Ledger) AddToWhitelist(ip string) error {
	return l.client.SAdd(l.ctx, keyWhitelist, ip).Err()
}

// RemoveFromWhitelist removes an IP from the whitelist
func (l *Ledger) RemoveFromWhitelist(ip string) error {
	return l.client.SRem(l.ctx, keyWhitelist, ip).Err()
}

// LockPayouts acquires the payout lock
func (l *Ledger) LockPayouts(lockID string, ttl time.Duration) (bool, error) {
	return l.client.SetNX(l.ctx, keyPayoutLock, lockID, ttl).Result()
}

// UnlockPayouts releases the payout lock if we own it
func (l *Ledger) UnlockPayouts(lockID string) error {
	current, err := l.client.Get(l.ctx, keyPayoutLock).Result()
	if err != nil {
		return err
	}
	if current == lockID {
		return l.client.Del(l.ctx, keyPayoutLock).Err()
	}
	return nil
}

// IsPayoutsLocked checks if the payout lock is held
func (l *Ledger) IsPayoutsLocked() (bool, error) {
	exists, err := l.client.Exists(l.ctx, keyPayoutLock).Result()
	return exists > 0, err
}
