package asset

import "github.com/shopspring/decimal"

func p(s string) decimal.Decimal { return decimal.RequireFromString(s) }

// defaultAssets are the instruments offered out of the box. Reference prices
// are served by the static oracle whenever the live feed is unavailable, and
// are the only prices for stocks and commodities.
var defaultAssets = []Asset{
	// Crypto
	{ID: "bitcoin", Symbol: "BTC", Name: "Bitcoin", Class: ClassCrypto, ReferencePrice: p("95420")},
	{ID: "ethereum", Symbol: "ETH", Name: "Ethereum", Class: ClassCrypto, ReferencePrice: p("3456")},
	{ID: "solana", Symbol: "SOL", Name: "Solana", Class: ClassCrypto, ReferencePrice: p("187.5")},
	{ID: "cardano", Symbol: "ADA", Name: "Cardano", Class: ClassCrypto, ReferencePrice: p("0.98")},
	{ID: "ripple", Symbol: "XRP", Name: "XRP", Class: ClassCrypto, ReferencePrice: p("2.28")},
	{ID: "dogecoin", Symbol: "DOGE", Name: "Dogecoin", Class: ClassCrypto, ReferencePrice: p("0.324")},
	{ID: "polkadot", Symbol: "DOT", Name: "Polkadot", Class: ClassCrypto, ReferencePrice: p("7.65")},
	{ID: "avalanche-2", Symbol: "AVAX", Name: "Avalanche", Class: ClassCrypto, ReferencePrice: p("41.2")},
	{ID: "tether", Symbol: "USDT", Name: "Tether", Class: ClassCrypto, ReferencePrice: p("1")},
	{ID: "usd-coin", Symbol: "USDC", Name: "USD Coin", Class: ClassCrypto, ReferencePrice: p("1")},

	// Stocks
	{ID: "aapl", Symbol: "AAPL", Name: "Apple Inc.", Class: ClassStock, ReferencePrice: p("245.30")},
	{ID: "tsla", Symbol: "TSLA", Name: "Tesla Inc.", Class: ClassStock, ReferencePrice: p("412.50")},
	{ID: "nvda", Symbol: "NVDA", Name: "NVIDIA Corp.", Class: ClassStock, ReferencePrice: p("1150.20")},
	{ID: "msft", Symbol: "MSFT", Name: "Microsoft", Class: ClassStock, ReferencePrice: p("450.10")},
	{ID: "amzn", Symbol: "AMZN", Name: "Amazon", Class: ClassStock, ReferencePrice: p("195.40")},
	{ID: "googl", Symbol: "GOOGL", Name: "Alphabet Inc.", Class: ClassStock, ReferencePrice: p("185.60")},
	{ID: "meta", Symbol: "META", Name: "Meta Platforms", Class: ClassStock, ReferencePrice: p("520.30")},
	{ID: "ko", Symbol: "KO", Name: "Coca-Cola", Class: ClassStock, ReferencePrice: p("62.50")},
	{ID: "pep", Symbol: "PEP", Name: "PepsiCo", Class: ClassStock, ReferencePrice: p("168.40")},
	{ID: "nke", Symbol: "NKE", Name: "Nike", Class: ClassStock, ReferencePrice: p("92.30")},
	{ID: "mcd", Symbol: "MCD", Name: "McDonald's", Class: ClassStock, ReferencePrice: p("275.80")},
	{ID: "sbux", Symbol: "SBUX", Name: "Starbucks", Class: ClassStock, ReferencePrice: p("85.20")},
	{ID: "jpm", Symbol: "JPM", Name: "JPMorgan Chase", Class: ClassStock, ReferencePrice: p("205.10")},
	{ID: "bac", Symbol: "BAC", Name: "Bank of America", Class: ClassStock, ReferencePrice: p("38.50")},
	{ID: "v", Symbol: "V", Name: "Visa", Class: ClassStock, ReferencePrice: p("285.60")},
	{ID: "nflx", Symbol: "NFLX", Name: "Netflix", Class: ClassStock, ReferencePrice: p("650.40")},
	{ID: "dis", Symbol: "DIS", Name: "Disney", Class: ClassStock, ReferencePrice: p("115.20")},
	{ID: "pfe", Symbol: "PFE", Name: "Pfizer", Class: ClassStock, ReferencePrice: p("28.50")},
	{ID: "jnj", Symbol: "JNJ", Name: "Johnson & Johnson", Class: ClassStock, ReferencePrice: p("155.40")},

	// Commodities
	{ID: "gold", Symbol: "XAU", Name: "Gold", Class: ClassCommodity, ReferencePrice: p("2450.50")},
	{ID: "silver", Symbol: "XAG", Name: "Silver", Class: ClassCommodity, ReferencePrice: p("32.40")},
	{ID: "oil", Symbol: "WTI", Name: "Crude Oil", Class: ClassCommodity, ReferencePrice: p("78.50")},
	{ID: "gas", Symbol: "NG", Name: "Natural Gas", Class: ClassCommodity, ReferencePrice: p("2.85")},
	{ID: "copper", Symbol: "HG", Name: "Copper", Class: ClassCommodity, ReferencePrice: p("4.50")},
	{ID: "platinum", Symbol: "PL", Name: "Platinum", Class: ClassCommodity, ReferencePrice: p("980.00")},
	{ID: "palladium", Symbol: "PA", Name: "Palladium", Class: ClassCommodity, ReferencePrice: p("950.00")},
}
