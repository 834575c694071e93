package gpu

import (
	"sync"

	"github.com/jaypipes/pcidb"
)

var (
	pciOnce sync.Once
	pciDB   *pcidb.PCIDB
)

// lookupNames resolves vendor and product names from the PCI ID database.
// Missing database or unknown IDs yield empty strings.
func lookupNames(vendorID, deviceID string) (vendor, product string) {
	if vendorID == "" {
		return "", ""
	}

	db := loadPCIDatabase()
	if db == nil {
		return "", ""
	}

	if v, ok := db.Vendors[vendorID]; ok && v != nil {
		vendor = v.Name
	}
	if deviceID != "" {
		if p, ok := db.Products[vendorID+deviceID]; ok && p != nil {
			product = p.Name
		}
	}
	return vendor, product
}

func loadPCIDatabase() *pcidb.PCIDB {
	pciOnce.Do(func() {
		db, err := pcidb.New()
		if err == nil {
			pciDB = db
		}
	})
	return pciDB
}
