package memory

import "fmt"

func errItemNotFound(storageID int64) error {
	return fmt.Errorf("no item with storage id %d", storageID)
}

func errKeyNotFound(dataSet int, key string) error {
	return fmt.Errorf("no item %q in data set %d", key, dataSet)
}
