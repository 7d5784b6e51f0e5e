package model

// SPIMode is the clock polarity/phase combination of an SPI device.
type SPIMode uint8

const SPIMode0 SPIMode = 0

// DefaultSPIBusID names the implicit bus used when a document declares none.
const DefaultSPIBusID = "spi"

// MaxSPIDataRateHz is the fastest SPI clock the SX127x accepts.
const MaxSPIDataRateHz = 8000000

// SPIDevice is the bus attachment of a device: which bus, how fast, which mode.
type SPIDevice struct {
	BusID      string
	DataRateHz int64
	Mode       SPIMode
}

// SPIBus is a bus declared in a document.
type SPIBus struct {
	ID      string
	ClkPin  int
	MosiPin *int
	MisoPin *int
}
