package store

// Key layout. Everything lives under the registry: prefix so a shared
// Redis deployment can host other subsystems without collisions.
const (
	keyServerActivePrefix      = "registry:servers:active:"
	keyServerUnavailablePrefix = "registry:servers:unavailable:"
	keyProxyActivePrefix       = "registry:proxies:active:"
	keyProxyUnavailablePrefix  = "registry:proxies:unavailable:"

	KeyAddressIndex = "registry:index:address"
	KeyTempIndex    = "registry:index:temp"

	keySlotPrefix        = "registry:slots:"
	keyCapacityPrefix    = "registry:capacity:"
	keyAdvertisersPrefix = "registry:capacity:advertisers:"

	keyRecyclePrefix = "registry:ids:recycle:"
	keyCounterPrefix = "registry:ids:counter:"
	keyLettersPrefix = "registry:ids:letters:"

	KeyPlayerSlots       = "registry:players:slot"
	KeySlotPlayersPrefix = "registry:slots:players:"

	keyReservationPrefix     = "registry:reservations:"
	keyReservationLockPrefix = "registry:reservations:lock:"
)

func KeyServerActive(id string) string      { return keyServerActivePrefix + id }
func KeyServerUnavailable(id string) string { return keyServerUnavailablePrefix + id }
func KeyProxyActive(id string) string       { return keyProxyActivePrefix + id }
func KeyProxyUnavailable(id string) string  { return keyProxyUnavailablePrefix + id }

func KeyServerActivePattern() string      { return keyServerActivePrefix + "*" }
func KeyServerUnavailablePattern() string { return keyServerUnavailablePrefix + "*" }
func KeyProxyActivePattern() string       { return keyProxyActivePrefix + "*" }
func KeyProxyUnavailablePattern() string  { return keyProxyUnavailablePrefix + "*" }

func KeySlot(slotID string) string         { return keySlotPrefix + slotID }
func KeyCapacity(family string) string     { return keyCapacityPrefix + family }
func KeyAdvertisers(family string) string  { return keyAdvertisersPrefix + family }
func KeySlotPlayers(slotID string) string  { return KeySlotPlayersPrefix + slotID }
func KeyRecyclePool(group string) string   { return keyRecyclePrefix + group }
func KeyCounter(group string) string       { return keyCounterPrefix + group }
func KeySlotLetters(baseID string) string  { return keyLettersPrefix + baseID }

func KeyReservation(token string) string     { return keyReservationPrefix + token }
func KeyReservationLock(token string) string { return keyReservationLockPrefix + token }
