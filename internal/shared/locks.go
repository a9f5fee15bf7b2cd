package shared

import "fmt"

// OrderLockKey builds redis keys guarding emission and reversal of one order.
func OrderLockKey(pedidoUID string) string {
	return fmt.Sprintf("salesrecon:order:%s:lock", pedidoUID)
}

// KitLockKey builds redis keys guarding BOM replacement of one kit.
func KitLockKey(kitSKU string) string {
	return fmt.Sprintf("salesrecon:kit:%s:lock", kitSKU)
}
